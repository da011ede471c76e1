package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client talks to the battle REST collaborator. Response shapes are opaque;
// only the fields the client actually reads are decoded, everything else is
// ignored.
type Client struct {
	base  string
	http  *http.Client
	token func() string // guest token supplier; may return ""
	log   *slog.Logger
}

const (
	retryAttempts = 2 // retries after the first try
	retryDelay    = 300 * time.Millisecond
)

func New(baseURL string, timeout time.Duration, token func() string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{Timeout: timeout},
		token: token,
		log:   log,
	}
}

// Guest is the POST /guest response (guest credential issue).
type Guest struct {
	PlayerID   string `json:"playerId"`
	GuestToken string `json:"guestToken"`
	ExpiresAt  string `json:"expiresAt"`
}

// Room identifies a created or entered battle room.
type Room struct {
	SessionID string `json:"sessionId"`
	RoomCode  string `json:"roomCode"`
}

// SummaryEntry is one player's slice of the per-session summary.
type SummaryEntry struct {
	PlayerID         string `json:"playerId"`
	IsCorrectByRound []bool `json:"isCorrectByRound"`
}

// Session is the per-session detail; only the summary list is read.
type Session struct {
	Summary []SummaryEntry `json:"summary"`
}

func (c *Client) CreateGuest(ctx context.Context) (Guest, error) {
	var out Guest
	err := c.do(ctx, http.MethodPost, "/guest", nil, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, hostID string) (Room, error) {
	body := map[string]string{}
	if hostID != "" {
		body["hostId"] = hostID
	}
	var out Room
	err := c.do(ctx, http.MethodPost, "/battle/rooms", body, &out)
	return out, err
}

func (c *Client) EnterRoom(ctx context.Context, roomCode, playerID string) (Room, error) {
	body := map[string]string{"roomCode": roomCode}
	if playerID != "" {
		body["playerId"] = playerID
	}
	var out Room
	err := c.do(ctx, http.MethodPost, "/battle/entry", body, &out)
	if err == nil && out.RoomCode == "" {
		out.RoomCode = roomCode
	}
	return out, err
}

// StartBattle kicks off a waiting session (host only).
func (c *Client) StartBattle(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/battle/"+sessionID+"/start", map[string]string{}, nil)
}

// Session fetches the per-session detail carrying the authoritative summary.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/battle/"+sessionID, nil, &out)
	return out, err
}

// Result returns the raw results payload for the results-view collaborator.
func (c *Client) Result(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/battle/"+sessionID+"/result", nil, &out)
	return out, err
}

// do performs one JSON request with bounded retry on transient failures
// (network errors and 5xx). 4xx responses fail immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	backoff := retry.WithMaxRetries(retryAttempts, retry.NewConstant(retryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return err
		}
		c.log.Debug("api request retrying", "method", method, "path", path, "err", err)
		return retry.RetryableError(err)
	})
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}
