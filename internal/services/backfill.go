package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cadenza/internal/amqp"
	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/storage"
)

// Backfill materializes the missing instances of a template between its
// anchor date and today in the owner's timezone. Template creation, template
// edits and the reconciliation sweep all call the same Run.
type Backfill struct {
	store  Store
	zones  *Resolver
	guard  *DuplicateGuard
	locks  *TemplateLocks
	events EventPublisher
}

// NewBackfill wires the engine. events may be nil.
func NewBackfill(store Store, zones *Resolver, locks *TemplateLocks, events EventPublisher) *Backfill {
	if locks == nil {
		locks = NewTemplateLocks()
	}
	return &Backfill{
		store:  store,
		zones:  zones,
		guard:  NewDuplicateGuard(store, zones),
		locks:  locks,
		events: events,
	}
}

// Run walks the template's date sequence up to min(end date, today) and
// creates every instance that does not exist yet. It returns how many
// instances it created. A storage failure stops the walk; instances created
// before it stay in place and the count so far is returned with the error.
func (b *Backfill) Run(ctx context.Context, tpl core.Record) (int, error) {
	if tpl.ID == "" || !tpl.IsTemplate() {
		return 0, fmt.Errorf("backfill %q: %w", tpl.ID, ErrNotTemplate)
	}
	stepper, err := GetStepper(tpl.Cadence())
	if err != nil {
		return 0, fmt.Errorf("backfill %s: %w", tpl.ID, err)
	}

	unlock := b.locks.Lock(tpl.ID)
	defer unlock()

	loc, err := b.zones.ZoneFor(ctx, tpl.UserID)
	if err != nil {
		return 0, fmt.Errorf("backfill %s: %w", tpl.ID, err)
	}

	today := b.zones.Today(loc)
	cutoff := today
	if tpl.EndDate != nil && !tpl.EndDate.IsZero() && tpl.EndDate.Before(today) {
		cutoff = *tpl.EndDate
	}
	anchor := tpl.Anchor()

	created := 0
	for current := anchor; !current.After(cutoff); current = stepper.Next(current) {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		// The anchor is the template itself. It only gets an instance when
		// it is today.
		if current.Equal(anchor) && !current.Equal(today) {
			continue
		}

		ok, err := b.createInstance(ctx, tpl, current, loc)
		if err != nil {
			return created, fmt.Errorf("backfill %s at %s: %w", tpl.ID, current, err)
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		slog.InfoContext(ctx, "Backfilled template",
			log.FieldComponent, log.ComponentBackfill,
			log.FieldTemplateID, tpl.ID,
			log.FieldUserID, tpl.UserID,
			log.FieldFrequency, tpl.Cadence(),
			"cutoff", cutoff.String(),
			log.FieldCreated, created)
	}
	return created, nil
}

// createInstance creates the instance for day unless one exists. It reports
// whether a record was written.
func (b *Backfill) createInstance(ctx context.Context, tpl core.Record, day core.Date, loc *time.Location) (bool, error) {
	exists, err := b.guard.Exists(ctx, tpl.ID, day, tpl.UserID, loc)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	saved, err := b.store.CreateRecord(ctx, NewInstance(tpl, day), loc)
	if errors.Is(err, storage.ErrDuplicateInstance) {
		slog.DebugContext(ctx, "Instance created concurrently, skipping",
			log.FieldComponent, log.ComponentBackfill,
			log.FieldTemplateID, tpl.ID,
			log.FieldDate, day.String())
		return false, nil
	}
	if err != nil {
		return false, err
	}

	b.publishCreated(ctx, saved)
	return true, nil
}

func (b *Backfill) publishCreated(ctx context.Context, inst core.Record) {
	if b.events == nil {
		return
	}
	msg := amqp.NewInstanceCreatedMessage(inst.ID, *inst.TemplateID, inst.UserID, inst.OccurrenceDate().String())
	if err := b.events.PublishInstanceCreated(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to publish instance event",
			log.FieldComponent, log.ComponentBackfill,
			log.FieldInstanceID, inst.ID,
			log.FieldError, err)
	}
}

// NewInstance builds the instance of tpl that occurs on day. Descriptive
// fields are copied; recurrence fields are cleared so the instance is never
// itself a template.
func NewInstance(tpl core.Record, day core.Date) core.Record {
	inst := tpl.Clone()
	id := tpl.ID
	inst.ID = ""
	inst.TemplateID = &id
	inst.Date = day
	inst.IsRecurring = false
	inst.Frequency = ""
	inst.StartDate = nil
	inst.EndDate = nil
	inst.CreatedAt = time.Time{}
	inst.UpdatedAt = time.Time{}

	if inst.Bill != nil {
		inst.Bill.DueDate = day
		inst.Bill.Status = core.BillUnpaid
		inst.Bill.NextDueDate = nil
		inst.Bill.LastPaidDate = nil
	}
	return inst
}
