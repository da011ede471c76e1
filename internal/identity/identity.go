package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the per-installation guest identity: the Go counterpart of the
// browser tab's sessionStorage entries (guestPlayerId / guestToken).
type Identity struct {
	PlayerID  string `json:"playerId"`
	Token     string `json:"guestToken,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Credentials is what the guest-bootstrap collaborator endpoint issues.
type Credentials struct {
	PlayerID  string
	Token     string
	ExpiresAt string
}

// IssueFunc obtains fresh guest credentials (POST /guest).
type IssueFunc func(ctx context.Context) (Credentials, error)

const fileName = "identity.json"

// expiryLeeway treats a token expiring within this window as already expired,
// so a session never starts on a credential about to lapse mid-handshake.
const expiryLeeway = 30 * time.Second

// Store persists one identity per state dir.
//
// Mutation is confined to two points: Bootstrap (initial issue / re-issue on
// expiry) and Adopt (server-supplied canonical id from the join ack). Every
// other caller only reads.
type Store struct {
	mu   sync.Mutex
	path string
	id   Identity
	log  *slog.Logger
}

func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: state dir: %w", err)
	}

	s := &Store{path: filepath.Join(dir, fileName), log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh install
	case err != nil:
		return fmt.Errorf("identity: read: %w", err)
	default:
		if jerr := json.Unmarshal(b, &s.id); jerr != nil {
			s.log.Warn("identity file unreadable, regenerating", "err", jerr)
			s.id = Identity{}
		}
	}

	if strings.TrimSpace(s.id.PlayerID) == "" {
		s.id.PlayerID = newPlayerID()
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	return nil
}

func newPlayerID() string {
	return "plr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func (s *Store) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Store) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.PlayerID
}

func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.Token
}

// Bootstrap ensures a usable guest token, calling issue only when the stored
// one is missing or expired. The issued playerId replaces the local one when
// present.
func (s *Store) Bootstrap(ctx context.Context, issue IssueFunc) error {
	s.mu.Lock()
	needs := s.needsTokenLocked(time.Now())
	s.mu.Unlock()
	if !needs {
		return nil
	}

	creds, err := issue(ctx)
	if err != nil {
		return fmt.Errorf("identity: guest bootstrap: %w", err)
	}
	if creds.Token == "" {
		return errors.New("identity: guest bootstrap returned no token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.id.Token = creds.Token
	s.id.ExpiresAt = creds.ExpiresAt
	if strings.TrimSpace(creds.PlayerID) != "" {
		s.id.PlayerID = creds.PlayerID
	}
	s.log.Debug("guest credentials issued", "playerId", s.id.PlayerID)
	return s.saveLocked()
}

func (s *Store) needsTokenLocked(now time.Time) bool {
	if s.id.Token == "" {
		return true
	}
	if exp, ok := tokenExpiry(s.id.Token); ok {
		return now.Add(expiryLeeway).After(exp)
	}
	// opaque token: fall back to the expiresAt the server handed out
	if s.id.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, s.id.ExpiresAt); err == nil {
			return now.Add(expiryLeeway).After(t)
		}
	}
	return false
}

// tokenExpiry reads the exp claim without verifying the signature; the client
// holds no key and only needs to know when to ask for a fresh token.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Adopt overwrites the local player id with the server's canonical one and
// persists it. Called only from the join-ack handler.
func (s *Store) Adopt(playerID string) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if playerID == s.id.PlayerID {
		return
	}
	s.log.Debug("adopting canonical player id", "old", s.id.PlayerID, "new", playerID)
	s.id.PlayerID = playerID
	if err := s.saveLocked(); err != nil {
		s.log.Warn("persisting adopted player id failed", "err", err)
	}
}

// Clear drops the persisted identity (explicit re-identification).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = Identity{PlayerID: newPlayerID()}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: clear: %w", err)
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("identity: write: %w", err)
	}
	return nil
}
