// Package jobs holds the River job kinds run by the API process: the nightly
// free-key expiry sweep and the durable retry for payments whose account was
// not found when the provider notification arrived.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
)

type SweepFreeKeysArgs struct{}

func (SweepFreeKeysArgs) Kind() string { return "sweep_free_keys" }

// KeySweeper is implemented by keys.Service.
type KeySweeper interface {
	SweepExpiredFreeKeys(ctx context.Context) (int64, error)
}

type SweepFreeKeysWorker struct {
	river.WorkerDefaults[SweepFreeKeysArgs]
	sweeper KeySweeper
}

func NewSweepFreeKeysWorker(s KeySweeper) *SweepFreeKeysWorker {
	return &SweepFreeKeysWorker{sweeper: s}
}

func (w *SweepFreeKeysWorker) Work(ctx context.Context, job *river.Job[SweepFreeKeysArgs]) error {
	if _, err := w.sweeper.SweepExpiredFreeKeys(ctx); err != nil {
		return fmt.Errorf("sweep free keys: %w", err)
	}
	return nil
}

func (w *SweepFreeKeysWorker) Timeout(*river.Job[SweepFreeKeysArgs]) time.Duration {
	return 5 * time.Minute
}

// DailySchedule fires once a day at Hour:Minute in Location (UTC when nil).
type DailySchedule struct {
	Hour, Minute int
	Location     *time.Location
}

func (s DailySchedule) Next(current time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := current.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.Hour, s.Minute, 0, 0, loc)
	}
	return next
}

// NewSweepPeriodicJob schedules the sweep daily per schedule.
func NewSweepPeriodicJob(schedule DailySchedule) *river.PeriodicJob {
	return river.NewPeriodicJob(
		schedule,
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepFreeKeysArgs{}, &river.InsertOpts{MaxAttempts: 3}
		},
		nil,
	)
}
