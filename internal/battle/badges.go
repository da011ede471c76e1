package battle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"example.com/hangul-battle/internal/api"
)

// Badge is a per-round win/lose indicator on the scoreboard strip.
type Badge string

const (
	BadgeWin   Badge = "win"
	BadgeLose  Badge = "lose"
	BadgeEmpty Badge = "empty"
)

// DefaultBadgeCount is the number of displayable round badges.
const DefaultBadgeCount = 5

// SummarySource fetches the authoritative per-session summary.
type SummarySource interface {
	Session(ctx context.Context, sessionID string) (api.Session, error)
}

// Projector re-derives the badge strip from the polled session summary. The
// server is the sole judge of correctness; realtime judgment events never
// mutate badges, they only feed the answer lists.
type Projector struct {
	src   SummarySource
	count int
	log   *slog.Logger

	mu        sync.Mutex
	prevRound int
	observed  bool
}

func NewProjector(src SummarySource, count int, log *slog.Logger) *Projector {
	if count <= 0 {
		count = DefaultBadgeCount
	}
	if log == nil {
		log = slog.Default()
	}
	return &Projector{src: src, count: count, log: log}
}

// ShouldRefresh reports whether a refresh is due for the observed round
// counter: it fires on a strict increase, including the first observation of
// any positive round, and records the observation either way.
func (p *Projector) ShouldRefresh(current int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fire := current > 0 && (!p.observed || current > p.prevRound)
	p.prevRound = current
	p.observed = true
	return fire
}

// Refresh fetches the summary and maps the player's per-round outcomes onto a
// fixed-length badge strip. ok is false when the player's entry or the
// per-round list is absent — "not yet available", not an error — and the
// caller keeps its prior strip.
func (p *Projector) Refresh(ctx context.Context, sessionID, playerID string) ([]Badge, bool, error) {
	sess, err := p.src.Session(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("badge refresh: %w", err)
	}

	var mine *api.SummaryEntry
	for i := range sess.Summary {
		if sess.Summary[i].PlayerID == playerID {
			mine = &sess.Summary[i]
			break
		}
	}
	if mine == nil || mine.IsCorrectByRound == nil {
		p.log.Debug("summary has no usable entry yet", "sessionId", sessionID, "playerId", playerID)
		return nil, false, nil
	}

	badges := make([]Badge, p.count)
	for i := range badges {
		badges[i] = BadgeEmpty
	}
	for i := 0; i < len(mine.IsCorrectByRound) && i < p.count; i++ {
		if mine.IsCorrectByRound[i] {
			badges[i] = BadgeWin
		} else {
			badges[i] = BadgeLose
		}
	}
	return badges, true, nil
}

// Tally counts round wins and losses on a badge strip.
func Tally(badges []Badge) (wins, losses int) {
	for _, b := range badges {
		switch b {
		case BadgeWin:
			wins++
		case BadgeLose:
			losses++
		}
	}
	return wins, losses
}
