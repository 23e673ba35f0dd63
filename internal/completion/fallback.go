package completion

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// LinesFunc returns the static utterances available for a request.
type LinesFunc func(req Request) []string

// WithFallback answers from static lines whenever p fails.
// Availability of a reply wins over its content; callers must only use it
// where that trade is acceptable.
func WithFallback(p Provider, lines LinesFunc, log *slog.Logger) Provider {
	if log == nil {
		log = slog.Default()
	}
	return &fallback{next: p, lines: lines, log: log, pick: rand.IntN}
}

type fallback struct {
	next  Provider
	lines LinesFunc
	log   *slog.Logger
	pick  func(n int) int
}

func (f *fallback) Generate(ctx context.Context, req Request) (Completion, error) {
	out, err := f.next.Generate(ctx, req)
	if err == nil {
		return out, nil
	}
	candidates := f.lines(req)
	if len(candidates) == 0 || ctx.Err() != nil {
		return Completion{}, err
	}
	f.log.Warn("Completion unavailable, using fallback line",
		"persona_id", req.PersonaID,
		"class", Classify(err).Class,
	)
	return Completion{Text: candidates[f.pick(len(candidates))], Fallback: true}, nil
}
