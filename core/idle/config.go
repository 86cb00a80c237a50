package idle

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultWarningThreshold = 10 * time.Second
	DefaultIdleThreshold    = 15 * time.Second
	DefaultPollInterval     = time.Second
	DefaultHangupGrace      = 2 * time.Second

	DefaultWarningPrompt       = "Are you there? Please respond!"
	DefaultClosingAnnouncement = "Thank you for calling. Hanging up due to inactivity."
)

type Config struct {
	// WarningThreshold is the silence after an assistant turn after which
	// the caller is checked on.
	WarningThreshold time.Duration
	// IdleThreshold is the silence after the latest anchor after which the
	// call is ended.
	IdleThreshold time.Duration
	PollInterval  time.Duration
	// HangupGrace lets the closing announcement play out before hanging up.
	HangupGrace time.Duration

	WarningPrompt       string
	ClosingAnnouncement string
}

func DefaultConfig() Config {
	return Config{
		WarningThreshold:    DefaultWarningThreshold,
		IdleThreshold:       DefaultIdleThreshold,
		PollInterval:        DefaultPollInterval,
		HangupGrace:         DefaultHangupGrace,
		WarningPrompt:       DefaultWarningPrompt,
		ClosingAnnouncement: DefaultClosingAnnouncement,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.WarningThreshold <= 0 {
		errs = append(errs, fmt.Errorf("warning threshold must be positive, got %s", c.WarningThreshold))
	}
	if c.IdleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("idle threshold must be positive, got %s", c.IdleThreshold))
	}
	if c.WarningThreshold >= c.IdleThreshold {
		errs = append(errs, fmt.Errorf("warning threshold (%s) must be shorter than idle threshold (%s)", c.WarningThreshold, c.IdleThreshold))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.HangupGrace < 0 {
		errs = append(errs, fmt.Errorf("hangup grace must not be negative, got %s", c.HangupGrace))
	}
	if c.WarningPrompt == "" {
		errs = append(errs, errors.New("warning prompt must not be empty"))
	}
	if c.ClosingAnnouncement == "" {
		errs = append(errs, errors.New("closing announcement must not be empty"))
	}
	return errors.Join(errs...)
}
