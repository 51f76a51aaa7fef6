package plan

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/a719584032-creator/testtrack/pkg/store"
)

// defaultAuditConcurrency is the number of runs audited in parallel
// when no explicit concurrency value is configured.
const defaultAuditConcurrency = 4

// Auditor is a background service that periodically cross-checks each
// open run's denormalized counters against its result rows. The
// result write path keeps the counters consistent transactionally;
// the auditor exists to surface any drift loudly rather than repair
// it silently.
type Auditor interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Auditor = (*auditor)(nil)

type auditor struct {
	log         logrus.FieldLogger
	store       store.Store
	interval    time.Duration
	concurrency int
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewAuditor creates a new background counter auditor.
func NewAuditor(
	log logrus.FieldLogger,
	st store.Store,
	interval time.Duration,
	concurrency int,
) Auditor {
	if concurrency <= 0 {
		concurrency = defaultAuditConcurrency
	}

	return &auditor{
		log:         log.WithField("component", "auditor"),
		store:       st,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches the audit loop. The first pass runs after one full
// interval; there is nothing to check at startup.
func (a *auditor) Start(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"interval":    a.interval.String(),
		"concurrency": a.concurrency,
	}).Info("Starting counter auditor")

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.runPass(ctx)
			case <-a.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the audit goroutine to stop and waits for it.
func (a *auditor) Stop() error {
	close(a.done)
	a.wg.Wait()

	a.log.Info("Counter auditor stopped")

	return nil
}

// runPass audits every open run with bounded concurrency.
func (a *auditor) runPass(ctx context.Context) {
	ids, err := a.store.ListOpenRunIDs(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Failed to list open runs")

		return
	}

	if len(ids) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, id := range ids {
		id := id

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-a.done:
				return nil
			default:
			}

			a.auditRun(gCtx, id)

			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		a.log.WithError(err).Warn("Audit pass aborted")
	}
}

// auditRun compares one run's counters against a fresh recount.
func (a *auditor) auditRun(ctx context.Context, runID uint) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		a.log.WithError(err).
			WithField("run_id", runID).
			Warn("Failed to load run for audit")

		return
	}

	counted, err := a.store.CountResults(ctx, runID)
	if err != nil {
		a.log.WithError(err).
			WithField("run_id", runID).
			Warn("Failed to recount run results")

		return
	}

	stored := store.RunCounters{
		Total:    run.Total,
		Executed: run.Executed,
		Passed:   run.Passed,
		Failed:   run.Failed,
		Blocked:  run.Blocked,
		Skipped:  run.Skipped,
		NotRun:   run.NotRun,
	}

	if stored != counted {
		a.log.WithFields(logrus.Fields{
			"run_id":  runID,
			"stored":  stored,
			"counted": counted,
		}).Error("Run counters drifted from result rows")
	}
}
