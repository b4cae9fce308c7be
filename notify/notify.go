// Package notify fans a matched listing out to the configured delivery
// channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"rental-hunter/logger"
	"rental-hunter/models"
)

// ErrAllChannelsFailed is returned when no channel delivered the listing,
// including when no channel is configured
var ErrAllChannelsFailed = errors.New("all notification channels failed")

// Channel delivers a rendered listing over one protocol
type Channel interface {
	Name() string
	Send(ctx context.Context, listing models.Listing, policy RenderPolicy) error
	// Test sends a connectivity message that is not tied to a listing
	Test(ctx context.Context) error
}

// Result reports the per-channel outcome of one dispatch
type Result struct {
	Delivered []string
	Failed    map[string]error
}

// OK reports whether at least one channel delivered
func (r Result) OK() bool {
	return len(r.Delivered) > 0
}

// Dispatcher sends listings to every channel concurrently
type Dispatcher struct {
	channels []Channel
	policy   RenderPolicy
	timeout  time.Duration
	log      logger.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout leaves only the
// caller's deadline in place.
func NewDispatcher(channels []Channel, policy RenderPolicy, timeout time.Duration, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		channels: channels,
		policy:   policy,
		timeout:  timeout,
		log:      log.WithFields(logger.Fields{"component": "dispatcher"}),
	}
}

// Channels returns the names of the configured channels
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify attempts every channel independently. It succeeds when at least
// one channel delivered and wraps ErrAllChannelsFailed otherwise.
func (d *Dispatcher) Notify(ctx context.Context, listing models.Listing) (Result, error) {
	log := logger.FromContextOr(ctx, d.log).WithFields(logger.Fields{"listing": listing.Identity().String()})
	return d.fanOut(ctx, log, func(ctx context.Context, ch Channel) error {
		return ch.Send(ctx, listing, d.policy)
	})
}

// Test sends a connectivity message through every channel
func (d *Dispatcher) Test(ctx context.Context) (Result, error) {
	return d.fanOut(ctx, d.log, func(ctx context.Context, ch Channel) error {
		return ch.Test(ctx)
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, log logger.Logger, send func(context.Context, Channel) error) (Result, error) {
	result := Result{Failed: make(map[string]error)}
	if len(d.channels) == 0 {
		return result, fmt.Errorf("%w: no channels configured", ErrAllChannelsFailed)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			chCtx, cancel := d.withTimeout(ctx)
			defer cancel()

			err := send(chCtx, ch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[ch.Name()] = err
				log.Warn("channel delivery failed", logger.Fields{"channel": ch.Name(), "error": err.Error()})
				return
			}
			result.Delivered = append(result.Delivered, ch.Name())
		}(ch)
	}
	wg.Wait()

	sort.Strings(result.Delivered)
	if !result.OK() {
		errs := make([]error, 0, len(result.Failed))
		for _, name := range sortedKeys(result.Failed) {
			errs = append(errs, fmt.Errorf("%s: %w", name, result.Failed[name]))
		}
		return result, fmt.Errorf("%w: %w", ErrAllChannelsFailed, errors.Join(errs...))
	}

	log.Info("listing delivered", logger.Fields{"delivered": result.Delivered, "failed": len(result.Failed)})
	return result, nil
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Close releases channels that hold connections
func (d *Dispatcher) Close() error {
	var errs []error
	for _, ch := range d.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runWithContext runs a call that doesn't take a context and gives up
// waiting when ctx is done
func runWithContext(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
