package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/keyservice/internal/pakasir"
)

type stubSweeper struct {
	calls int
	err   error
}

func (s *stubSweeper) SweepExpiredFreeKeys(context.Context) (int64, error) {
	s.calls++
	return 2, s.err
}

type stubReconciler struct {
	got []pakasir.Event
	err error
}

func (s *stubReconciler) ReconcileConfirmed(_ context.Context, ev pakasir.Event) error {
	s.got = append(s.got, ev)
	return s.err
}

func TestSweepFreeKeysWorker(t *testing.T) {
	s := &stubSweeper{}
	w := NewSweepFreeKeysWorker(s)
	job := &river.Job[SweepFreeKeysArgs]{JobRow: &rivertype.JobRow{Attempt: 1}}

	require.NoError(t, w.Work(context.Background(), job))
	assert.Equal(t, 1, s.calls)

	s.err = errors.New("db down")
	assert.ErrorContains(t, w.Work(context.Background(), job), "db down")
}

func TestDailySchedule_Next(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	s := DailySchedule{Location: wib}

	cases := []struct {
		name    string
		current time.Time
		want    time.Time
	}{
		{"afternoon rolls to next midnight", time.Date(2024, 5, 1, 15, 0, 0, 0, wib), time.Date(2024, 5, 2, 0, 0, 0, 0, wib)},
		{"exactly midnight moves a full day", time.Date(2024, 5, 2, 0, 0, 0, 0, wib), time.Date(2024, 5, 3, 0, 0, 0, 0, wib)},
		{"utc input converted", time.Date(2024, 5, 1, 16, 59, 0, 0, time.UTC), time.Date(2024, 5, 2, 0, 0, 0, 0, wib)},
		{"month end", time.Date(2024, 5, 31, 23, 0, 0, 0, wib), time.Date(2024, 6, 1, 0, 0, 0, 0, wib)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(s.Next(tc.current)), "got %v", s.Next(tc.current))
		})
	}

	at := DailySchedule{Hour: 3, Minute: 30}
	assert.Equal(t, time.Date(2024, 5, 1, 3, 30, 0, 0, time.UTC), at.Next(time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)))
}

func TestNewSweepPeriodicJob(t *testing.T) {
	assert.NotNil(t, NewSweepPeriodicJob(DailySchedule{}))
}

func TestReconcilePaymentWorker(t *testing.T) {
	ev := pakasir.Event{OrderID: "PREMIUM_42_1700000000000", InvoiceID: "INV-9", Amount: 50000, Status: pakasir.StatusPaid}
	job := &river.Job[ReconcilePaymentArgs]{JobRow: &rivertype.JobRow{Attempt: 1}, Args: ReconcilePaymentArgs{Event: ev}}

	r := &stubReconciler{}
	w := NewReconcilePaymentWorker(r)
	require.NoError(t, w.Work(context.Background(), job))
	require.Len(t, r.got, 1)
	assert.Equal(t, ev, r.got[0])

	r.err = errors.New("account not found")
	err := w.Work(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INV-9")

	r.err = fmt.Errorf("bad order id: %w", ErrPermanent)
	err = w.Work(context.Background(), job)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.NotContains(t, err.Error(), "reconcile invoice", "permanent failures cancel instead of retrying")
}

func TestReconcilePaymentWorker_NextRetry(t *testing.T) {
	w := NewReconcilePaymentWorker(&stubReconciler{})

	first := w.NextRetry(&river.Job[ReconcilePaymentArgs]{JobRow: &rivertype.JobRow{Attempt: 1}})
	assert.WithinDuration(t, time.Now().Add(time.Minute), first, 5*time.Second)

	late := w.NextRetry(&river.Job[ReconcilePaymentArgs]{JobRow: &rivertype.JobRow{Attempt: 500}})
	assert.WithinDuration(t, time.Now().Add(time.Hour), late, 5*time.Second)
}

func TestReconcilePaymentArgs_InsertOpts(t *testing.T) {
	opts := ReconcilePaymentArgs{}.InsertOpts()
	assert.True(t, opts.UniqueOpts.ByArgs)
	assert.Equal(t, "reconcile_payment", ReconcilePaymentArgs{}.Kind())
}
