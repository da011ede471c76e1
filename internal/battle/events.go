package battle

import (
	"encoding/json"
	"strings"
	"time"
)

// Envelope is the wire frame: {"type":"battle:...","id":N,"payload":{...}}.
// id is present only on acked exchanges (join, answer submit) and on the
// matching ack frames coming back.
type Envelope struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// inbound event names
const (
	evtPlayerJoined = "battle:player_joined"
	evtSnapshot     = "battle:snapshot"
	evtTyping       = "battle:typing:update"
	evtRoundNext    = "battle:round:next"
	evtRoundTicker  = "battle:round:ticker"
	evtRoundEnd     = "battle:round:end"
	evtAnswerResult = "battle:answer:result"
	evtAck          = "ack"
)

// outbound operation names
const (
	opJoin         = "battle:join"
	opTyping       = "battle:typing"
	opAnswerSubmit = "battle:answer:submit"
)

// RoundEnded is the terminal session state carried by battle:round:end.
const RoundEnded = "ENDED"

// Placeholder substitutes for a judged answer whose text could not be
// recovered from any source.
const Placeholder = "(내용 없음)"

// RoundInfo mirrors the server's round counter. Current==0 means not started.
type RoundInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type Question struct {
	ID   string
	Text string
}

// TypingSnapshot is the latest keystroke preview from either player.
type TypingSnapshot struct {
	PlayerID string
	Text     string
	Preview  string
	TS       time.Time
}

// RoundEndEvent records the most recent round boundary.
type RoundEndEvent struct {
	Round int
	Total int
	State string
	TS    time.Time
}

// AnswerJudgment is the normalized battle:answer:result verdict. SubmittedText
// is empty when the server sent nothing usable; the reconciliation store
// backfills it.
type AnswerJudgment struct {
	PlayerID      string
	Round         int
	HasRound      bool
	IsCorrect     bool
	SubmittedText string
}

// Event is the normalized inbound event union.
type Event interface{ isEvent() }

type PlayerJoined struct {
	PlayerID string
}

type Snapshot struct {
	Question     *Question // nil clears the current question
	Round        *RoundInfo
	RemainingSec *int
	Summary      json.RawMessage
}

type TypingUpdate struct {
	Snapshot TypingSnapshot
}

type RoundNext struct {
	Round        *RoundInfo
	RemainingSec *int
}

type RoundTicker struct {
	Round        *RoundInfo
	RemainingSec *int
}

type RoundEnd struct {
	Round     *RoundInfo // set only when the event carries a round object
	BareRound int        // round number when the event carried a bare int
	Total     int
	State     string
}

type AnswerResult struct {
	Judgment AnswerJudgment
	Summary  json.RawMessage
}

func (PlayerJoined) isEvent() {}
func (Snapshot) isEvent()     {}
func (TypingUpdate) isEvent() {}
func (RoundNext) isEvent()    {}
func (RoundTicker) isEvent()  {}
func (RoundEnd) isEvent()     {}
func (AnswerResult) isEvent() {}

// Normalize turns a raw envelope into a strict event. The server payloads are
// loosely shaped and have drifted across revisions, so every fallback chain
// lives here, once, at the boundary. Missing fields become zero values meaning
// "no update for this slice"; malformed payloads degrade the same way and
// never fail.
func Normalize(env Envelope) (Event, bool) {
	switch env.Type {
	case evtPlayerJoined:
		var raw struct {
			PlayerID string `json:"playerId"`
		}
		_ = json.Unmarshal(env.Payload, &raw)
		return PlayerJoined{PlayerID: raw.PlayerID}, true

	case evtSnapshot:
		var raw struct {
			Question      json.RawMessage `json:"question"`
			Round         json.RawMessage `json:"round"`
			RemainingTime *float64        `json:"remainingTime"`
			Summary       json.RawMessage `json:"summary"`
		}
		_ = json.Unmarshal(env.Payload, &raw)
		return Snapshot{
			Question:     decodeQuestion(raw.Question),
			Round:        decodeRoundObject(raw.Round),
			RemainingSec: secsFromFloat(raw.RemainingTime),
			Summary:      compactRaw(raw.Summary),
		}, true

	case evtTyping:
		var raw struct {
			PlayerID string          `json:"playerId"`
			Text     *string         `json:"text"`
			Preview  *string         `json:"preview"`
			TS       json.RawMessage `json:"ts"`
		}
		_ = json.Unmarshal(env.Payload, &raw)
		snap := TypingSnapshot{PlayerID: raw.PlayerID, TS: decodeTS(raw.TS)}
		if raw.Text != nil {
			snap.Text = *raw.Text
		}
		if raw.Preview != nil {
			snap.Preview = *raw.Preview
		}
		return TypingUpdate{Snapshot: snap}, true

	case evtRoundNext, evtRoundTicker:
		var raw struct {
			Round        json.RawMessage `json:"round"`
			RemainingSec *float64        `json:"remainingSec"`
		}
		_ = json.Unmarshal(env.Payload, &raw)
		round := decodeRoundObject(raw.Round)
		secs := secsFromFloat(raw.RemainingSec)
		if env.Type == evtRoundNext {
			return RoundNext{Round: round, RemainingSec: secs}, true
		}
		return RoundTicker{Round: round, RemainingSec: secs}, true

	case evtRoundEnd:
		var raw struct {
			Round json.RawMessage `json:"round"`
			State string          `json:"state"`
			Total int             `json:"total"`
		}
		_ = json.Unmarshal(env.Payload, &raw)
		ev := RoundEnd{State: raw.State, Total: raw.Total}
		if obj := decodeRoundObject(raw.Round); obj != nil {
			ev.Round = obj
			ev.BareRound = obj.Current
			if obj.Total > 0 {
				ev.Total = obj.Total
			}
		} else {
			var bare int
			if json.Unmarshal(raw.Round, &bare) == nil {
				ev.BareRound = bare
			}
		}
		return ev, true

	case evtAnswerResult:
		var raw struct {
			PlayerID      string          `json:"playerId"`
			Round         json.RawMessage `json:"round"`
			Result        json.RawMessage `json:"result"`
			IsCorrect     *bool           `json:"isCorrect"`
			Correct       *bool           `json:"correct"`
			SubmittedText string          `json:"submittedText"`
			Answer        string          `json:"answer"`
			AnswerText    string          `json:"answerText"`
			Text          string          `json:"text"`
			Content       string          `json:"content"`
			Preview       string          `json:"preview"`
			Answers       []string        `json:"answers"`
			Summary       json.RawMessage `json:"summary"`
		}
		_ = json.Unmarshal(env.Payload, &raw)

		j := AnswerJudgment{PlayerID: raw.PlayerID}
		if obj := decodeRoundObject(raw.Round); obj != nil {
			j.Round, j.HasRound = obj.Current, true
		} else {
			// a JSON null round counts as absent, same as a missing key
			var bare *int
			if json.Unmarshal(raw.Round, &bare) == nil && bare != nil {
				j.Round, j.HasRound = *bare, true
			}
		}
		j.IsCorrect = decodeResultFlag(raw.IsCorrect, raw.Correct, raw.Result)
		j.SubmittedText = firstText(
			raw.SubmittedText, raw.Answer, raw.AnswerText, raw.Text, raw.Content, raw.Preview,
		)
		if j.SubmittedText == "" && len(raw.Answers) > 0 {
			j.SubmittedText = strings.Join(raw.Answers, ", ")
		}
		return AnswerResult{Judgment: j, Summary: compactRaw(raw.Summary)}, true
	}

	return nil, false
}

// decodeRoundObject accepts {"current":N,"total":M}; anything else yields nil.
func decodeRoundObject(raw json.RawMessage) *RoundInfo {
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		return nil
	}
	var obj RoundInfo
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return &obj
}

// decodeQuestion reads whichever of the historical question text keys is set.
func decodeQuestion(raw json.RawMessage) *Question {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var loose struct {
		ID              json.RawMessage `json:"id"`
		Text            string          `json:"text"`
		Sentence        string          `json:"sentence"`
		CorrectSentence string          `json:"correctSentence"`
		Question        string          `json:"question"`
		Value           string          `json:"value"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil
	}
	q := &Question{Text: firstText(loose.Text, loose.Sentence, loose.CorrectSentence, loose.Question, loose.Value)}
	if len(loose.ID) > 0 {
		var sid string
		if json.Unmarshal(loose.ID, &sid) == nil {
			q.ID = sid
		} else {
			q.ID = strings.TrimSpace(string(loose.ID))
		}
	}
	return q
}

func decodeResultFlag(isCorrect, correct *bool, result json.RawMessage) bool {
	if isCorrect != nil {
		return *isCorrect
	}
	if correct != nil {
		return *correct
	}
	var s string
	if json.Unmarshal(result, &s) == nil {
		switch strings.ToUpper(s) {
		case "CORRECT", "PASS":
			return true
		}
		return false
	}
	var b bool
	if json.Unmarshal(result, &b) == nil {
		return b
	}
	return false
}

func decodeTS(raw json.RawMessage) time.Time {
	var ms int64
	if json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

func secsFromFloat(f *float64) *int {
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

func firstText(candidates ...string) string {
	for _, c := range candidates {
		if t := strings.TrimSpace(c); t != "" {
			return t
		}
	}
	return ""
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
