package battle

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the explicit start-sequence state machine for one channel.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingOpponent
	PhaseStarting
	PhaseInProgress
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingOpponent:
		return "awaiting_opponent"
	case PhaseStarting:
		return "starting"
	case PhaseInProgress:
		return "in_progress"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

// maxAnswers caps each per-player answer list; oldest entries are evicted.
const maxAnswers = 10

// AnswerEntry is one judged answer in a per-player history list.
type AnswerEntry struct {
	ID        string
	Text      string
	IsCorrect bool
}

// State is the reconciliation store: it folds inbound events into a
// normalized view of the session. Every handler is an idempotent replacement,
// never an increment, so duplicate delivery is harmless. All mutation runs
// under mu; the `...Locked` helpers follow that convention.
type State struct {
	mu sync.Mutex

	playerID func() string // live identity supplier; adoption applies mid-session
	pending  *Pending
	log      *slog.Logger

	connected    bool
	remoteJoined bool
	round        RoundInfo
	remainingSec *int
	question     *Question
	typing       *TypingSnapshot
	typingText   map[string]string // last-seen typing text per player
	summary      json.RawMessage
	lastRoundEnd *RoundEndEvent

	myAnswers  []AnswerEntry
	oppAnswers []AnswerEntry
}

func NewState(playerID func() string, pending *Pending, log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}
	if pending == nil {
		pending = NewPending()
	}
	return &State{
		playerID:   playerID,
		pending:    pending,
		log:        log,
		typingText: make(map[string]string),
	}
}

// View is a read-only copy of the projected state for the presentation layer.
type View struct {
	Connected       bool
	RemoteJoined    bool
	Phase           Phase
	Round           RoundInfo
	RemainingSec    *int
	Question        *Question
	Typing          *TypingSnapshot
	Summary         json.RawMessage
	RoundEnd        *RoundEndEvent
	MyAnswers       []AnswerEntry
	OpponentAnswers []AnswerEntry
}

func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Connected:       s.connected,
		RemoteJoined:    s.remoteJoined,
		Phase:           s.phaseLocked(),
		Round:           s.round,
		Summary:         s.summary,
		MyAnswers:       append([]AnswerEntry(nil), s.myAnswers...),
		OpponentAnswers: append([]AnswerEntry(nil), s.oppAnswers...),
	}
	if s.remainingSec != nil {
		n := *s.remainingSec
		v.RemainingSec = &n
	}
	if s.question != nil {
		q := *s.question
		v.Question = &q
	}
	if s.typing != nil {
		t := *s.typing
		v.Typing = &t
	}
	if s.lastRoundEnd != nil {
		e := *s.lastRoundEnd
		v.RoundEnd = &e
	}
	return v
}

// phaseLocked derives the start-sequence phase from the reconciled facts; the
// scattered boolean combinations of the historical client collapse here.
func (s *State) phaseLocked() Phase {
	switch {
	case s.lastRoundEnd != nil && s.lastRoundEnd.State == RoundEnded:
		return PhaseEnded
	case s.round.Current > 0:
		return PhaseInProgress
	case s.remoteJoined:
		return PhaseStarting
	case s.connected:
		return PhaseAwaitingOpponent
	default:
		return PhaseIdle
	}
}

// SetConnected marks the transport state.
func (s *State) SetConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
}

// Reset returns every slice of derived state to its initial empty value.
// Called on teardown so no stale state leaks into a reopened channel.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.remoteJoined = false
	s.round = RoundInfo{}
	s.remainingSec = nil
	s.question = nil
	s.typing = nil
	s.typingText = make(map[string]string)
	s.summary = nil
	s.lastRoundEnd = nil
	s.myAnswers = nil
	s.oppAnswers = nil
}

// Apply folds one normalized event into the store.
func (s *State) Apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case PlayerJoined:
		if e.PlayerID != "" && e.PlayerID != s.playerID() {
			s.remoteJoined = true
		}

	case Snapshot:
		// full-state resync, safe to apply at any time
		s.question = e.Question
		if e.Round != nil {
			s.round = *e.Round
		}
		if e.RemainingSec != nil {
			s.remainingSec = e.RemainingSec
		}
		if e.Summary != nil {
			s.summary = e.Summary
		}

	case TypingUpdate:
		snap := e.Snapshot
		s.typing = &snap
		if snap.PlayerID != "" {
			s.typingText[snap.PlayerID] = firstText(snap.Text, snap.Preview)
			if snap.PlayerID != s.playerID() {
				// typing implies presence
				s.remoteJoined = true
			}
		}

	case RoundNext:
		if e.Round != nil {
			s.round = *e.Round
		}
		if e.RemainingSec != nil {
			s.remainingSec = e.RemainingSec
		}
		// next question arrives via snapshot
		s.question = nil

	case RoundTicker:
		if e.RemainingSec != nil {
			s.remainingSec = e.RemainingSec
		}
		if e.Round != nil {
			s.round = *e.Round
		}

	case RoundEnd:
		zero := 0
		s.remainingSec = &zero
		if e.Round != nil {
			s.round = *e.Round
		}
		s.lastRoundEnd = &RoundEndEvent{
			Round: e.BareRound,
			Total: e.Total,
			State: e.State,
			TS:    time.Now(),
		}
		if e.State == RoundEnded {
			// session over; presence no longer meaningful
			s.remoteJoined = false
		}

	case AnswerResult:
		s.applyJudgmentLocked(e)
	}
}

func (s *State) applyJudgmentLocked(e AnswerResult) {
	j := e.Judgment
	if j.PlayerID == "" {
		s.log.Debug("answer result without playerId dropped")
		return
	}

	round := j.Round
	if !j.HasRound {
		round = s.round.Current
	}

	text := j.SubmittedText
	pendingText, _ := s.pending.Consume(j.PlayerID, round)
	if text == "" {
		if t := strings.TrimSpace(pendingText); t != "" {
			text = t
		} else if t := strings.TrimSpace(s.typingText[j.PlayerID]); t != "" {
			text = t
		} else {
			text = Placeholder
		}
	}
	delete(s.typingText, j.PlayerID)

	entry := AnswerEntry{ID: uuid.NewString(), Text: text, IsCorrect: j.IsCorrect}
	if j.PlayerID == s.playerID() {
		s.myAnswers = appendCapped(s.myAnswers, entry)
	} else {
		s.oppAnswers = appendCapped(s.oppAnswers, entry)
		s.remoteJoined = true
	}

	if e.Summary != nil {
		s.summary = e.Summary
	}
}

func appendCapped(list []AnswerEntry, entry AnswerEntry) []AnswerEntry {
	list = append(list, entry)
	if len(list) > maxAnswers {
		list = list[len(list)-maxAnswers:]
	}
	return list
}

// SetLocalTyping applies an optimistic typing snapshot for an outbound
// battle:typing emission, without waiting for the echo.
func (s *State) SetLocalTyping(playerID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = &TypingSnapshot{PlayerID: playerID, Text: text, TS: time.Now()}
	if playerID != "" {
		s.typingText[playerID] = text
	}
}
