package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"rental-hunter/db"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/notify"
	"rental-hunter/source"
)

// runCycle fetches one source and pushes every candidate through the
// pipeline. Only one cycle per source runs at a time.
func (s *Scheduler) runCycle(ctx context.Context, w *worker) (CycleReport, error) {
	if !w.running.CompareAndSwap(false, true) {
		return CycleReport{Source: w.name()}, fmt.Errorf("%s: %w", w.name(), ErrCycleInProgress)
	}
	defer w.running.Store(false)

	report := CycleReport{
		Source:    w.name(),
		CycleID:   uuid.NewString(),
		StartedAt: s.now(),
	}
	log := s.log.WithFields(logger.Fields{"source": report.Source, "cycle_id": report.CycleID})
	ctx = logger.WithContext(ctx, log)

	batch, err := s.fetch(ctx, w, &report)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = s.now()
		w.finish(report)
		log.Error("fetch failed, skipping cycle", err, logger.Fields{"attempts": report.Attempts})
		return report, err
	}

	w.setState(StateEvaluating)
	batch = source.Normalize(report.Source, batch, s.now())
	report.Candidates = len(batch.Listings)
	report.Unparsed = batch.Skipped

	deferDelivery := s.quiet.Contains(s.now())
	for _, listing := range batch.Listings {
		// finish the current identity on shutdown, never start the next one
		if ctx.Err() != nil {
			log.Info("shutdown requested, stopping cycle", nil)
			break
		}
		s.process(ctx, w, listing, deferDelivery, &report)
	}

	report.FinishedAt = s.now()
	w.finish(report)
	log.Info("cycle finished", logger.Fields{
		"candidates": report.Candidates,
		"new":        report.New,
		"filtered":   report.Filtered,
		"notified":   report.Notified,
		"pending":    report.Pending,
		"deferred":   report.Deferred,
		"failed":     report.Failed,
	})
	return report, nil
}

// fetch calls the adapter, retrying transient errors with exponential
// backoff up to the configured number of attempts
func (s *Scheduler) fetch(ctx context.Context, w *worker, report *CycleReport) (source.Batch, error) {
	log := logger.FromContext(ctx)

	for attempt := 1; ; attempt++ {
		w.setState(StateFetching)
		report.Attempts = attempt

		fetchCtx, cancel := withTimeout(ctx, s.timeouts.Fetch)
		batch, err := w.schedule.Adapter.FetchCandidates(fetchCtx)
		cancel()
		if err == nil {
			return batch, nil
		}

		if source.IsPermanent(err) {
			return source.Batch{}, fmt.Errorf("fetch %s: %w", w.name(), err)
		}
		if attempt >= s.backoff.attempts() || ctx.Err() != nil {
			return source.Batch{}, fmt.Errorf("fetch %s after %d attempts: %w", w.name(), attempt, err)
		}

		delay := s.backoff.Delay(attempt)
		w.setState(StateBackoff)
		log.Warn("transient fetch error, backing off", logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := s.wait(ctx, delay); err != nil {
			return source.Batch{}, fmt.Errorf("fetch %s: %w", w.name(), err)
		}
	}
}

// process runs the seen-set and filter logic for one candidate. Store and
// notify calls run detached from ctx so a shutdown cannot interrupt an
// identity halfway through.
func (s *Scheduler) process(ctx context.Context, w *worker, listing models.Listing, deferDelivery bool, report *CycleReport) {
	id := listing.Identity()
	opCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx).WithFields(logger.Fields{"listing": id.String()})

	rec, seen, err := s.lookup(opCtx, id)
	if err != nil {
		report.Failed++
		log.Error("seen-set lookup failed", err, nil)
		return
	}

	if seen {
		if rec.Notified || !rec.Matched {
			report.Skipped++
			return
		}
		log.Debug("retrying pending notification", nil)
		s.saveDetails(opCtx, listing, log)
		s.deliver(opCtx, w, listing, deferDelivery, report, log)
		return
	}

	if !s.filter.Matches(listing) {
		if err := s.storeCall(opCtx, func(ctx context.Context) error { return s.store.RecordFiltered(ctx, id) }); err != nil {
			report.Failed++
			log.Error("failed to record filtered listing", err, nil)
			return
		}
		report.Filtered++
		log.Debug("listing filtered out", nil)
		s.saveDetails(opCtx, listing, log)
		return
	}

	if err := s.storeCall(opCtx, func(ctx context.Context) error { return s.store.Record(ctx, id, false) }); err != nil {
		report.Failed++
		if errors.Is(err, db.ErrStoreConflict) {
			log.Error("seen-set conflict, listing already notified", err, nil)
		} else {
			log.Error("failed to record listing", err, nil)
		}
		return
	}
	report.New++
	log.Info("new matching listing", logger.Fields{"title": listing.Title, "url": listing.URL})
	s.saveDetails(opCtx, listing, log)

	s.deliver(opCtx, w, listing, deferDelivery, report, log)
}

// deliver notifies and marks the identity notified. A listing that no
// channel delivered stays pending for the next cycle.
func (s *Scheduler) deliver(ctx context.Context, w *worker, listing models.Listing, deferDelivery bool, report *CycleReport, log logger.Logger) {
	if deferDelivery {
		report.Deferred++
		log.Debug("quiet hours, deferring notification", nil)
		return
	}

	w.setState(StateNotifying)
	defer w.setState(StateEvaluating)

	notifyCtx, cancel := withTimeout(ctx, s.timeouts.Notify)
	_, err := s.notifier.Notify(notifyCtx, listing)
	cancel()
	if err != nil {
		report.Pending++
		if errors.Is(err, notify.ErrAllChannelsFailed) {
			log.Warn("no channel delivered, will retry next cycle", logger.Fields{"error": err.Error()})
		} else {
			log.Error("notification failed, will retry next cycle", err, nil)
		}
		return
	}

	id := listing.Identity()
	if err := s.storeCall(ctx, func(ctx context.Context) error { return s.store.MarkNotified(ctx, id) }); err != nil {
		report.Failed++
		log.Error("delivered but failed to mark notified", err, nil)
		return
	}
	report.Notified++
}

func (s *Scheduler) lookup(ctx context.Context, id models.Identity) (models.SeenRecord, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeouts.Store)
	defer cancel()
	return s.store.Lookup(ctx, id)
}

// saveDetails keeps the latest version of a recorded listing. The seen
// record is already durable, so a failure here only loses the details.
func (s *Scheduler) saveDetails(ctx context.Context, listing models.Listing, log logger.Logger) {
	if err := s.storeCall(ctx, func(ctx context.Context) error { return s.store.SaveListing(ctx, listing) }); err != nil {
		log.Warn("failed to save listing details", logger.Fields{"error": err.Error()})
	}
}

func (s *Scheduler) storeCall(ctx context.Context, call func(context.Context) error) error {
	ctx, cancel := withTimeout(ctx, s.timeouts.Store)
	defer cancel()
	return call(ctx)
}
