package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		text      string
		err       error
		available bool
		score     int
	}{
		{
			name:      "valid json",
			text:      `{"strengths":["clear thesis"],"weaknesses":[],"fallacies":["strawman"],"score":72}`,
			available: true,
			score:     72,
		},
		{
			name:      "fenced json with out of range score",
			text:      "```json\n{\"strengths\":[],\"weaknesses\":[\"no sources\"],\"fallacies\":[],\"score\":140}\n```",
			available: true,
			score:     100,
		},
		{name: "prose", text: "Great debate!"},
		{name: "missing score", text: `{"strengths":["x"]}`},
		{name: "provider failure", err: completion.Fail(completion.ClassRateLimited, errors.New("429"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newSQLiteEnv(t)
			sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
			require.NoError(t, err)
			_, err = e.lifecycle.PostMessage(ctx, "owner", sess.ID, "Taxes are theft", "")
			require.NoError(t, err)

			e.provider.text, e.provider.err = tt.text, tt.err
			a := NewAnalyzer(e.lifecycle, e.repo, e.provider, quietLogger())

			res, err := a.Analyze(ctx, "owner", sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.available, res.Available)
			assert.Equal(t, tt.score, res.Score)
			assert.NotNil(t, res.Strengths)
			assert.NotNil(t, res.Weaknesses)
			assert.NotNil(t, res.Fallacies)
			if !tt.available {
				assert.Empty(t, res.Strengths)
			}
		})
	}
}

func TestAnalyzeRequiresDebateAndUserInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)
	a := NewAnalyzer(e.lifecycle, e.repo, e.provider, quietLogger())

	troll, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindTroll})
	require.NoError(t, err)
	_, err = a.Analyze(ctx, "owner", troll.ID)
	assert.True(t, shared.IsKind(err, shared.KindValidation))

	debate, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
	require.NoError(t, err)
	res, err := a.Analyze(ctx, "owner", debate.ID)
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Zero(t, e.provider.Calls())

	_, err = a.Analyze(ctx, "intruder", debate.ID)
	assert.True(t, shared.IsKind(err, shared.KindNotFound))
}
