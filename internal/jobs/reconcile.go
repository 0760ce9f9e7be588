package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/keyservice/internal/pakasir"
)

// ReconcilePaymentArgs carries a confirmed provider event that could not be
// applied yet. Unique by args, so redeliveries of one event share a job.
type ReconcilePaymentArgs struct {
	Event pakasir.Event `json:"event"`
}

func (ReconcilePaymentArgs) Kind() string { return "reconcile_payment" }

func (ReconcilePaymentArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 20,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// PaymentReconciler is implemented by payments.Service.
type PaymentReconciler interface {
	ReconcileConfirmed(ctx context.Context, ev pakasir.Event) error
}

// ErrPermanent marks a reconcile error that retrying cannot fix.
var ErrPermanent = errors.New("permanent reconcile failure")

type ReconcilePaymentWorker struct {
	river.WorkerDefaults[ReconcilePaymentArgs]
	reconciler PaymentReconciler
}

func NewReconcilePaymentWorker(r PaymentReconciler) *ReconcilePaymentWorker {
	return &ReconcilePaymentWorker{reconciler: r}
}

func (w *ReconcilePaymentWorker) Work(ctx context.Context, job *river.Job[ReconcilePaymentArgs]) error {
	err := w.reconciler.ReconcileConfirmed(ctx, job.Args.Event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermanent):
		return river.JobCancel(err)
	default:
		return fmt.Errorf("reconcile invoice %s: %w", job.Args.Event.InvoiceID, err)
	}
}

// NextRetry backs off linearly, one minute per attempt, capped at an hour.
func (w *ReconcilePaymentWorker) NextRetry(job *river.Job[ReconcilePaymentArgs]) time.Time {
	delay := time.Duration(job.Attempt) * time.Minute
	if delay > time.Hour {
		delay = time.Hour
	}
	return time.Now().Add(delay)
}
