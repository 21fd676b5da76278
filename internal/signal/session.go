package signal

import (
	"fmt"
	"time"
)

// SessionConfig bounds the trading session in UTC hours. Start == End means
// always active.
type SessionConfig struct {
	StartHour int // Inclusive, 0-23
	EndHour   int // Exclusive, 0-23
}

// Session is a UTC trading-hours guard. New entries and reversals are blocked
// outside the window; protection maintenance is never gated on it.
type Session struct {
	cfg SessionConfig
}

// NewSession creates a session guard.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.StartHour < 0 || cfg.StartHour > 23 || cfg.EndHour < 0 || cfg.EndHour > 23 {
		return nil, fmt.Errorf("session hours must be within 0-23, got start=%d end=%d", cfg.StartHour, cfg.EndHour)
	}
	return &Session{cfg: cfg}, nil
}

// Active reports whether t falls inside the trading window. Windows crossing
// midnight (start > end) are supported.
func (s *Session) Active(t time.Time) bool {
	if s.cfg.StartHour == s.cfg.EndHour {
		return true
	}
	h := t.UTC().Hour()
	if s.cfg.StartHour < s.cfg.EndHour {
		return h >= s.cfg.StartHour && h < s.cfg.EndHour
	}
	return h >= s.cfg.StartHour || h < s.cfg.EndHour
}
