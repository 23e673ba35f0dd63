package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
)

const (
	analysisHistoryLimit = 200
	analysisPrompt       = `You are a debate coach. Review the user's arguments in the transcript on the topic "%TOPIC%".
Reply with a single JSON object: {"strengths": [string], "weaknesses": [string], "fallacies": [string], "score": integer 0-100}.
Judge only messages with role "user".`
)

// Analysis is the coach's verdict on a debate. Available is false when no
// verdict could be produced; the lists are then empty, never invented.
type Analysis struct {
	Available  bool     `json:"available"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
	Fallacies  []string `json:"fallacies"`
	Score      int      `json:"score"`
}

// EmptyAnalysis is returned whenever the provider cannot produce a verdict.
func EmptyAnalysis() Analysis {
	return Analysis{Strengths: []string{}, Weaknesses: []string{}, Fallacies: []string{}}
}

// Analyzer grades a debate session's user arguments.
type Analyzer struct {
	lifecycle *Lifecycle
	messages  store.MessageStore
	provider  completion.Provider
	log       *slog.Logger
}

// NewAnalyzer creates an analyzer. provider should not fall back to static
// lines.
func NewAnalyzer(lifecycle *Lifecycle, messages store.MessageStore, provider completion.Provider, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	if provider == nil {
		provider = completion.Unavailable{}
	}
	return &Analyzer{lifecycle: lifecycle, messages: messages, provider: provider, log: log}
}

// Analyze returns the verdict for a debate session owned by ownerID.
// Provider failures yield EmptyAnalysis and a nil error.
func (a *Analyzer) Analyze(ctx context.Context, ownerID, sessionID string) (Analysis, error) {
	sess, err := a.lifecycle.Authorize(ctx, ownerID, sessionID)
	if err != nil {
		return Analysis{}, err
	}
	if sess.Kind != domain.KindDebate {
		return Analysis{}, shared.Errorf(shared.KindValidation, "analysis is only available for debate sessions")
	}

	recent, err := a.messages.ListMessages(ctx, store.MessageQuery{
		SessionID: sessionID,
		Limit:     analysisHistoryLimit,
		Order:     store.Descending,
	})
	if err != nil {
		return Analysis{}, shared.E(shared.KindOf(err), "load transcript", err)
	}

	history := make([]completion.Turn, 0, len(recent))
	hasUser := false
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.SenderRole == domain.RoleUser {
			hasUser = true
		}
		history = append(history, completion.Turn{Role: m.SenderRole, Content: m.Content})
	}
	if !hasUser {
		return EmptyAnalysis(), nil
	}

	out, err := a.provider.Generate(ctx, completion.Request{
		System:      strings.ReplaceAll(analysisPrompt, "%TOPIC%", sess.Topic),
		History:     history,
		MaxTokens:   600,
		Temperature: 0.2,
		JSON:        true,
	})
	if err != nil {
		a.log.Warn("Debate analysis unavailable", "error", err, "session_id", sessionID)
		return EmptyAnalysis(), nil
	}

	res, ok := parseAnalysis(out.Text)
	if !ok {
		a.log.Warn("Debate analysis unparseable", "session_id", sessionID, "bytes", len(out.Text))
		return EmptyAnalysis(), nil
	}
	return res, nil
}

func parseAnalysis(text string) (Analysis, bool) {
	text = strings.TrimSpace(text)
	// Models sometimes wrap JSON in a fenced block.
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}
	var raw struct {
		Strengths  []string `json:"strengths"`
		Weaknesses []string `json:"weaknesses"`
		Fallacies  []string `json:"fallacies"`
		Score      *int     `json:"score"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw.Score == nil {
		return Analysis{}, false
	}
	res := EmptyAnalysis()
	res.Available = true
	res.Score = min(max(*raw.Score, 0), 100)
	res.Strengths = append(res.Strengths, raw.Strengths...)
	res.Weaknesses = append(res.Weaknesses, raw.Weaknesses...)
	res.Fallacies = append(res.Fallacies, raw.Fallacies...)
	return res, true
}
