package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config describes all runtime settings for the battle client.
//
// Best practice for Go clients:
//   - load config once in main
//   - validate
//   - pass further via DI (no global variables)
type Config struct {
	Env string // dev|stage|prod

	Log struct {
		Format string // text|json
	}

	API struct {
		BaseURL string
		Timeout time.Duration
	}

	WS struct {
		URL         string
		DialTimeout time.Duration
		AckTimeout  time.Duration
	}

	State struct {
		Dir string
	}

	Battle struct {
		JoinInitialDelay time.Duration
		JoinRetryDelay   time.Duration
	}
}

func LoadFromEnv() (Config, error) {
	var c Config

	c.Env = envString("APP_ENV", "dev")
	c.Log.Format = envString("LOG_FORMAT", "text")

	c.API.BaseURL = envString("API_BASE_URL", "https://hyunseoko.store/api")
	c.API.Timeout = envDuration("API_TIMEOUT", 10*time.Second)

	c.WS.URL = envString("WS_URL", "wss://hyunseoko.store/ws")
	c.WS.DialTimeout = envDuration("WS_DIAL_TIMEOUT", 5*time.Second)
	c.WS.AckTimeout = envDuration("WS_ACK_TIMEOUT", 5*time.Second)

	c.State.Dir = envString("STATE_DIR", defaultStateDir())

	c.Battle.JoinInitialDelay = envDuration("JOIN_INITIAL_DELAY", 300*time.Millisecond)
	c.Battle.JoinRetryDelay = envDuration("JOIN_RETRY_DELAY", 400*time.Millisecond)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("API_BASE_URL is empty")
	}
	if c.WS.URL == "" {
		return errors.New("WS_URL is empty")
	}
	if !strings.HasPrefix(c.WS.URL, "ws://") && !strings.HasPrefix(c.WS.URL, "wss://") {
		return fmt.Errorf("WS_URL must be a ws:// or wss:// URL, got %q", c.WS.URL)
	}
	if c.State.Dir == "" {
		return errors.New("STATE_DIR is empty")
	}
	if c.Battle.JoinInitialDelay < 0 || c.Battle.JoinRetryDelay < 0 {
		return errors.New("join delays must be non-negative")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unsupported LOG_FORMAT=%q (want text|json)", c.Log.Format)
	}
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hangul-battle")
	}
	return ".hangul-battle"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
