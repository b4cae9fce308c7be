package scheduler

import (
	"time"

	"rental-hunter/config"
)

// BackoffPolicy is the retry schedule for transient fetch errors
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait after the given failed attempt (1-based):
// Initial * 2^(attempt-1), capped at Max
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b BackoffPolicy) attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// QuietHours is a daily window, in local time, during which notifications
// are held back. Start after End spans midnight.
type QuietHours struct {
	Enabled bool
	Start   time.Duration
	End     time.Duration
}

// Contains reports whether t falls inside the window
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

// PoliciesFromConfig converts the schedule section of the configuration.
// The configuration is expected to be validated.
func PoliciesFromConfig(cfg config.ScheduleConfig) (Timeouts, BackoffPolicy, QuietHours, error) {
	timeouts := Timeouts{
		Fetch:  cfg.FetchTimeout.D(),
		Store:  cfg.StoreTimeout.D(),
		Notify: cfg.NotifyTimeout.D(),
	}
	backoff := BackoffPolicy{
		Initial:     cfg.Backoff.Initial.D(),
		Max:         cfg.Backoff.Max.D(),
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}

	quiet := QuietHours{Enabled: cfg.QuietHours.Enabled}
	if quiet.Enabled {
		start, err := config.ParseClock(cfg.QuietHours.Start)
		if err != nil {
			return Timeouts{}, BackoffPolicy{}, QuietHours{}, err
		}
		end, err := config.ParseClock(cfg.QuietHours.End)
		if err != nil {
			return Timeouts{}, BackoffPolicy{}, QuietHours{}, err
		}
		quiet.Start, quiet.End = start, end
	}
	return timeouts, backoff, quiet, nil
}
