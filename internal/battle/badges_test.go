package battle

import (
	"context"
	"errors"
	"testing"

	"example.com/hangul-battle/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSummary struct {
	sess  api.Session
	err   error
	calls int
}

func (s *stubSummary) Session(ctx context.Context, sessionID string) (api.Session, error) {
	s.calls++
	return s.sess, s.err
}

func TestProjector_Refresh(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "maps per-round outcomes onto a fixed strip",
			run: func(t *testing.T) {
				src := &stubSummary{sess: api.Session{Summary: []api.SummaryEntry{
					{PlayerID: "p2", IsCorrectByRound: []bool{false, true}},
					{PlayerID: "p1", IsCorrectByRound: []bool{true, false}},
				}}}
				p := NewProjector(src, 5, nil)

				badges, ok, err := p.Refresh(context.Background(), "s1", "p1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []Badge{BadgeWin, BadgeLose, BadgeEmpty, BadgeEmpty, BadgeEmpty}, badges)
			},
		},
		{
			name: "out-of-range outcomes are dropped",
			run: func(t *testing.T) {
				src := &stubSummary{sess: api.Session{Summary: []api.SummaryEntry{
					{PlayerID: "p1", IsCorrectByRound: []bool{true, true, true}},
				}}}
				p := NewProjector(src, 2, nil)

				badges, ok, _ := p.Refresh(context.Background(), "s1", "p1")
				require.True(t, ok)
				assert.Equal(t, []Badge{BadgeWin, BadgeWin}, badges)
			},
		},
		{
			name: "absent player entry means not yet available",
			run: func(t *testing.T) {
				src := &stubSummary{sess: api.Session{Summary: []api.SummaryEntry{
					{PlayerID: "p2", IsCorrectByRound: []bool{true}},
				}}}
				p := NewProjector(src, 5, nil)

				badges, ok, err := p.Refresh(context.Background(), "s1", "p1")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Nil(t, badges)
			},
		},
		{
			name: "entry without per-round list means not yet available",
			run: func(t *testing.T) {
				src := &stubSummary{sess: api.Session{Summary: []api.SummaryEntry{
					{PlayerID: "p1"},
				}}}
				p := NewProjector(src, 5, nil)

				_, ok, err := p.Refresh(context.Background(), "s1", "p1")
				require.NoError(t, err)
				assert.False(t, ok)
			},
		},
		{
			name: "fetch failure surfaces as an error",
			run: func(t *testing.T) {
				src := &stubSummary{err: errors.New("boom")}
				p := NewProjector(src, 5, nil)

				_, ok, err := p.Refresh(context.Background(), "s1", "p1")
				assert.Error(t, err)
				assert.False(t, ok)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}

func TestProjector_ShouldRefreshOnStrictIncreaseOnly(t *testing.T) {
	p := NewProjector(&stubSummary{}, 5, nil)

	assert.False(t, p.ShouldRefresh(0), "round zero never fires")
	assert.True(t, p.ShouldRefresh(1), "first positive observation fires")
	assert.False(t, p.ShouldRefresh(1), "repeat does not fire")
	assert.True(t, p.ShouldRefresh(2), "strict increase fires")
	assert.False(t, p.ShouldRefresh(1), "decrease does not fire")
	assert.True(t, p.ShouldRefresh(3), "recovery past the previous value fires")
}

func TestProjector_FirstObservationOfLateRoundFires(t *testing.T) {
	p := NewProjector(&stubSummary{}, 5, nil)
	assert.True(t, p.ShouldRefresh(3), "joining mid-session fires immediately")
}

func TestTally(t *testing.T) {
	wins, losses := Tally([]Badge{BadgeWin, BadgeLose, BadgeWin, BadgeEmpty, BadgeEmpty})
	assert.Equal(t, 2, wins)
	assert.Equal(t, 1, losses)
}
