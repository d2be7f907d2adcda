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

// RolloverResult is the outcome of paying a bill. Next is nil for bills that
// do not recur.
type RolloverResult struct {
	Updated core.Record  `json:"updated"`
	Next    *core.Record `json:"next,omitempty"`
}

// Rollover advances a paid bill by exactly one occurrence.
type Rollover struct {
	store  Store
	zones  *Resolver
	locks  *TemplateLocks
	events EventPublisher
}

func NewRollover(store Store, zones *Resolver, locks *TemplateLocks, events EventPublisher) *Rollover {
	if locks == nil {
		locks = NewTemplateLocks()
	}
	return &Rollover{store: store, zones: zones, locks: locks, events: events}
}

// MarkPaid marks bill as paid. For a recurring bill it also creates the next
// unpaid occurrence, due one step after the paid due date. If that
// occurrence already exists it is returned instead of creating a second one.
func (r *Rollover) MarkPaid(ctx context.Context, bill core.Record) (RolloverResult, error) {
	if bill.Kind != core.KindBill || bill.Bill == nil {
		return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, ErrNotBill)
	}

	now := r.zones.Now().UTC()
	updated := bill.Clone()
	updated.Bill.Status = core.BillPaid
	updated.Bill.LastPaidDate = &now

	freq := bill.Bill.Frequency
	if !freq.Recurring() {
		if err := r.store.UpdateBill(ctx, bill.UserID, bill.ID, *updated.Bill); err != nil {
			return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, err)
		}
		r.publish(ctx, updated, nil)
		return RolloverResult{Updated: updated}, nil
	}

	next, err := Step(bill.Bill.DueDate, freq)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, err)
	}

	seriesID := bill.ID
	if bill.TemplateID != nil {
		seriesID = *bill.TemplateID
	}

	unlock := r.locks.Lock(seriesID)
	defer unlock()

	loc, err := r.zones.ZoneFor(ctx, bill.UserID)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, err)
	}

	successor, err := r.createNext(ctx, bill, seriesID, next, loc)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, err)
	}

	updated.Bill.NextDueDate = &next
	if err := r.store.UpdateBill(ctx, bill.UserID, bill.ID, *updated.Bill); err != nil {
		return RolloverResult{}, fmt.Errorf("mark paid %s: %w", bill.ID, err)
	}

	slog.InfoContext(ctx, "Bill rolled over",
		log.FieldComponent, log.ComponentRollover,
		"paid_id", bill.ID,
		"next_id", successor.ID,
		"due_date", bill.Bill.DueDate.String(),
		"next_due_date", next.String(),
		log.FieldFrequency, freq)

	r.publish(ctx, updated, &successor)
	return RolloverResult{Updated: updated, Next: &successor}, nil
}

// createNext writes the successor of bill, or returns the one already stored
// for that day.
func (r *Rollover) createNext(ctx context.Context, bill core.Record, seriesID string, next core.Date, loc *time.Location) (core.Record, error) {
	saved, err := r.store.CreateRecord(ctx, NextOccurrence(bill, seriesID, next), loc)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, storage.ErrDuplicateInstance) {
		return core.Record{}, fmt.Errorf("create next occurrence: %w", err)
	}

	existing, err := r.store.FindInstanceByDay(ctx, bill.UserID, seriesID, next)
	if err != nil {
		return core.Record{}, fmt.Errorf("load existing occurrence: %w", err)
	}
	slog.DebugContext(ctx, "Next occurrence already exists",
		log.FieldComponent, log.ComponentRollover,
		"series_id", seriesID,
		log.FieldInstanceID, existing.ID,
		"due_date", next.String())
	return existing, nil
}

func (r *Rollover) publish(ctx context.Context, paid core.Record, next *core.Record) {
	if r.events == nil {
		return
	}
	var nextID, nextDue string
	if next != nil {
		nextID = next.ID
		nextDue = next.OccurrenceDate().String()
	}
	msg := amqp.NewBillRolledOverMessage(paid.ID, nextID, paid.UserID, nextDue)
	if err := r.events.PublishBillRolledOver(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to publish rollover event",
			log.FieldComponent, log.ComponentRollover,
			"paid_id", paid.ID,
			log.FieldError, err)
	}
}

// NextOccurrence builds the unpaid successor of a paid bill.
func NextOccurrence(bill core.Record, seriesID string, next core.Date) core.Record {
	succ := bill.Clone()
	succ.ID = ""
	succ.TemplateID = &seriesID
	succ.Date = next
	succ.IsRecurring = false
	succ.Frequency = ""
	succ.StartDate = nil
	succ.EndDate = nil
	succ.Bill.DueDate = next
	succ.Bill.NextDueDate = &next
	succ.Bill.Status = core.BillUnpaid
	succ.Bill.LastPaidDate = nil
	return succ
}
