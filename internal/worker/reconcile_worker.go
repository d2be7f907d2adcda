package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cadenza/internal/amqp"
	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/services"
	"cadenza/internal/storage"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Users     int
	Templates int
	Created   int
	Failed    int
	Overdue   int64
	Duration  time.Duration
}

func (r *SweepReport) add(o SweepReport) {
	r.Users += o.Users
	r.Templates += o.Templates
	r.Created += o.Created
	r.Failed += o.Failed
	r.Overdue += o.Overdue
}

// ReconcileWorker re-runs the backfill for every template of every user so
// that instances missed while nobody touched a template get created. It also
// flags unpaid bills whose due date has passed.
type ReconcileWorker struct {
	store       services.Store
	zones       *services.Resolver
	backfill    *services.Backfill
	concurrency int
	logger      *log.Logger
}

func NewReconcileWorker(store services.Store, zones *services.Resolver, backfill *services.Backfill, concurrency int, logger *log.Logger) *ReconcileWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &ReconcileWorker{
		store:       store,
		zones:       zones,
		backfill:    backfill,
		concurrency: concurrency,
		logger:      logger.WithComponent(log.ComponentWorker),
	}
}

// Sweep reconciles all users. Users are processed concurrently up to the
// configured limit; the templates of one user run one after another. Only a
// failure to list users or a cancelled context is returned as an error,
// per-template failures are logged and counted in the report.
func (w *ReconcileWorker) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()

	users, err := w.store.ListUsers(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list users: %w", err)
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)

	for _, user := range users {
		user := user
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := w.reconcile(ctx, user)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		w.logger.WarnContext(ctx, "Reconciliation sweep interrupted",
			"users", report.Users,
			log.FieldCreated, report.Created,
			log.FieldError, err)
		return report, err
	}

	w.logger.InfoContext(ctx, "Reconciliation sweep complete",
		"users", report.Users,
		"templates", report.Templates,
		log.FieldCreated, report.Created,
		log.FieldFailed, report.Failed,
		"overdue", report.Overdue,
		log.FieldDurationHuman, report.Duration.String())

	return report, nil
}

// ReconcileUser runs the same pass for a single user.
func (w *ReconcileWorker) ReconcileUser(ctx context.Context, userID string) (SweepReport, error) {
	start := time.Now()

	user, err := w.store.GetUser(ctx, userID)
	if err != nil {
		return SweepReport{}, fmt.Errorf("reconcile user %s: %w", userID, err)
	}

	report := w.reconcile(ctx, user)
	report.Duration = time.Since(start)

	w.logger.InfoContext(ctx, "Reconciled user",
		log.FieldUserID, userID,
		log.FieldCreated, report.Created,
		log.FieldFailed, report.Failed,
		"overdue", report.Overdue)

	return report, ctx.Err()
}

// HandleReconcileRequest serves reconcile requests from the queue. Unknown
// users are acknowledged; a request with failed templates is reported back
// so the consumer can requeue it.
func (w *ReconcileWorker) HandleReconcileRequest(ctx context.Context, msg *amqp.ReconcileRequestMessage) error {
	w.logger.InfoContext(ctx, "Processing reconcile request",
		log.FieldUserID, msg.UserID,
		"reason", msg.Reason)

	report, err := w.ReconcileUser(ctx, msg.UserID)
	if errors.Is(err, storage.ErrUserNotFound) {
		w.logger.WarnContext(ctx, "Reconcile request for unknown user", log.FieldUserID, msg.UserID)
		return nil
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("reconcile user %s: %d of %d templates failed", msg.UserID, report.Failed, report.Templates)
	}
	return nil
}

func (w *ReconcileWorker) reconcile(ctx context.Context, user core.User) SweepReport {
	report := SweepReport{Users: 1}
	loc := w.zones.Resolve(user.Timezone)

	templates, err := w.store.FindRecords(ctx, storage.RecordFilter{
		UserID:        user.ID,
		TemplatesOnly: true,
	})
	if err != nil {
		report.Failed++
		log.LogError(ctx, w.logger, "Failed to list templates", err, log.OpReconcile,
			log.NewFields().WithTemplate(user.ID, "", ""))
		return report
	}

	for _, tpl := range templates {
		if ctx.Err() != nil {
			return report
		}
		report.Templates++

		n, err := w.backfill.Run(ctx, tpl)
		report.Created += n
		if err != nil {
			report.Failed++
			log.LogError(ctx, w.logger, "Backfill failed", err, log.OpBackfill,
				log.NewFields().WithTemplate(user.ID, tpl.ID, string(tpl.Cadence())))
		}
	}

	today := w.zones.Today(loc).StartIn(loc)
	overdue, err := w.store.MarkOverdueBills(ctx, user.ID, today)
	if err != nil {
		report.Failed++
		log.LogError(ctx, w.logger, "Failed to flag overdue bills", err, log.OpReconcile,
			log.NewFields().WithTemplate(user.ID, "", ""))
		return report
	}
	report.Overdue = overdue

	return report
}
