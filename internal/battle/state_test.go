package battle

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() (*State, *Pending) {
	p := NewPending()
	s := NewState(func() string { return "p1" }, p, nil)
	return s, p
}

func TestState_Scenarios(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "happy path: round next updates round and clears question, snapshot fills it",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.SetConnected(true)

				s.Apply(Snapshot{Question: &Question{Text: "old"}})
				require.NotNil(t, s.View().Question)

				s.Apply(RoundNext{Round: &RoundInfo{Current: 1, Total: 5}})
				v := s.View()
				assert.Equal(t, RoundInfo{Current: 1, Total: 5}, v.Round)
				assert.Nil(t, v.Question)
				assert.Equal(t, PhaseInProgress, v.Phase)

				s.Apply(Snapshot{Question: &Question{Text: "foo"}})
				require.NotNil(t, s.View().Question)
				assert.Equal(t, "foo", s.View().Question.Text)
			},
		},
		{
			name: "snapshot application is idempotent",
			run: func(t *testing.T) {
				s, _ := newTestState()
				sec := 12
				snap := Snapshot{
					Question:     &Question{Text: "바람"},
					Round:        &RoundInfo{Current: 2, Total: 5},
					RemainingSec: &sec,
					Summary:      json.RawMessage(`[{"playerId":"p1"}]`),
				}
				s.Apply(snap)
				first := s.View()
				s.Apply(snap)
				second := s.View()

				assert.Equal(t, first.Round, second.Round)
				assert.Equal(t, *first.Question, *second.Question)
				assert.Equal(t, *first.RemainingSec, *second.RemainingSec)
				assert.Equal(t, first.Summary, second.Summary)
			},
		},
		{
			name: "player joined marks remote presence only for the other player",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(PlayerJoined{PlayerID: "p1"})
				assert.False(t, s.View().RemoteJoined)

				s.Apply(PlayerJoined{PlayerID: "p2"})
				assert.True(t, s.View().RemoteJoined)
				assert.Equal(t, PhaseStarting, s.View().Phase)
			},
		},
		{
			name: "typing implies presence",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(TypingUpdate{Snapshot: TypingSnapshot{PlayerID: "p2", Text: "하늘"}})
				v := s.View()
				assert.True(t, v.RemoteJoined)
				require.NotNil(t, v.Typing)
				assert.Equal(t, "하늘", v.Typing.Text)
			},
		},
		{
			name: "round end zeroes the clock and a terminal one clears presence",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(PlayerJoined{PlayerID: "p2"})
				s.Apply(RoundNext{Round: &RoundInfo{Current: 5, Total: 5}})

				end := RoundEnd{Round: &RoundInfo{Current: 5, Total: 5}, BareRound: 5, Total: 5, State: RoundEnded}
				s.Apply(end)
				v := s.View()
				require.NotNil(t, v.RemainingSec)
				assert.Equal(t, 0, *v.RemainingSec)
				assert.False(t, v.RemoteJoined)
				assert.Equal(t, PhaseEnded, v.Phase)
				require.NotNil(t, v.RoundEnd)
				assert.Equal(t, 5, v.RoundEnd.Round)

				// duplicate delivery changes nothing observable
				s.Apply(end)
				again := s.View()
				assert.Equal(t, v.Round, again.Round)
				assert.Equal(t, v.Phase, again.Phase)
			},
		},
		{
			name: "ticker updates time without touching the question",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(Snapshot{Question: &Question{Text: "그대로"}})
				sec := 9
				s.Apply(RoundTicker{RemainingSec: &sec})
				v := s.View()
				require.NotNil(t, v.Question)
				assert.Equal(t, "그대로", v.Question.Text)
				assert.Equal(t, 9, *v.RemainingSec)
			},
		},
		{
			name: "reset returns every slice to its initial value",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.SetConnected(true)
				s.Apply(PlayerJoined{PlayerID: "p2"})
				s.Apply(RoundNext{Round: &RoundInfo{Current: 1, Total: 5}})
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p1", SubmittedText: "x"}})

				s.Reset()
				v := s.View()
				assert.False(t, v.Connected)
				assert.False(t, v.RemoteJoined)
				assert.Equal(t, RoundInfo{}, v.Round)
				assert.Nil(t, v.RemainingSec)
				assert.Nil(t, v.Question)
				assert.Empty(t, v.MyAnswers)
				assert.Equal(t, PhaseIdle, v.Phase)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}

func TestState_JudgmentTextFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "pending write wins",
			run: func(t *testing.T) {
				s, p := newTestState()
				p.Record("p1", 1, "우리는")
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p1", Round: 1, HasRound: true, IsCorrect: true}})

				v := s.View()
				require.Len(t, v.MyAnswers, 1)
				assert.Equal(t, "우리는", v.MyAnswers[0].Text)
				assert.True(t, v.MyAnswers[0].IsCorrect)

				_, ok := p.Consume("p1", 1)
				assert.False(t, ok, "pending entry must be consumed")
			},
		},
		{
			name: "last seen typing text is second",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(TypingUpdate{Snapshot: TypingSnapshot{PlayerID: "p2", Text: "바다로"}})
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p2", Round: 1, HasRound: true}})

				v := s.View()
				require.Len(t, v.OpponentAnswers, 1)
				assert.Equal(t, "바다로", v.OpponentAnswers[0].Text)
			},
		},
		{
			name: "placeholder when nothing is known",
			run: func(t *testing.T) {
				s, _ := newTestState()
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p1", Round: 1, HasRound: true}})

				v := s.View()
				require.Len(t, v.MyAnswers, 1)
				assert.Equal(t, Placeholder, v.MyAnswers[0].Text)
			},
		},
		{
			name: "server text skips the chain but still consumes the pending entry",
			run: func(t *testing.T) {
				s, p := newTestState()
				p.Record("p1", 2, "draft")
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p1", Round: 2, HasRound: true, SubmittedText: "authoritative"}})

				v := s.View()
				require.Len(t, v.MyAnswers, 1)
				assert.Equal(t, "authoritative", v.MyAnswers[0].Text)
				assert.Equal(t, 0, p.Len())
			},
		},
		{
			name: "judgment without round falls back to the current round",
			run: func(t *testing.T) {
				s, p := newTestState()
				s.Apply(RoundNext{Round: &RoundInfo{Current: 3, Total: 5}})
				p.Record("p1", 3, "셋째 줄")
				s.Apply(AnswerResult{Judgment: AnswerJudgment{PlayerID: "p1"}})

				v := s.View()
				require.Len(t, v.MyAnswers, 1)
				assert.Equal(t, "셋째 줄", v.MyAnswers[0].Text)
			},
		},
		{
			name: "wire-level null round resolves the current round's pending entry",
			run: func(t *testing.T) {
				s, p := newTestState()
				s.Apply(RoundNext{Round: &RoundInfo{Current: 3, Total: 5}})
				p.Record("p1", 3, "우리는")

				ev, ok := Normalize(Envelope{
					Type:    evtAnswerResult,
					Payload: json.RawMessage(`{"playerId":"p1","round":null,"isCorrect":true}`),
				})
				require.True(t, ok)
				s.Apply(ev)

				v := s.View()
				require.Len(t, v.MyAnswers, 1)
				assert.Equal(t, "우리는", v.MyAnswers[0].Text)
				assert.True(t, v.MyAnswers[0].IsCorrect)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}

func TestState_AnswerListCapping(t *testing.T) {
	s, _ := newTestState()
	for i := 1; i <= 11; i++ {
		s.Apply(AnswerResult{Judgment: AnswerJudgment{
			PlayerID: "p1", Round: i, HasRound: true,
			SubmittedText: fmt.Sprintf("answer %d", i),
		}})
	}

	v := s.View()
	require.Len(t, v.MyAnswers, 10)
	assert.Equal(t, "answer 2", v.MyAnswers[0].Text)
	assert.Equal(t, "answer 11", v.MyAnswers[9].Text)
}

func TestState_OpponentJudgmentSideEffects(t *testing.T) {
	s, _ := newTestState()
	s.Apply(AnswerResult{
		Judgment: AnswerJudgment{PlayerID: "p2", Round: 1, HasRound: true, SubmittedText: "상대"},
		Summary:  json.RawMessage(`[{"playerId":"p2","isCorrectByRound":[true]}]`),
	})

	v := s.View()
	require.Len(t, v.OpponentAnswers, 1)
	assert.Empty(t, v.MyAnswers)
	assert.True(t, v.RemoteJoined)
	assert.NotNil(t, v.Summary)
}
