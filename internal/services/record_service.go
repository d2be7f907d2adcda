package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/storage"
)

// RecordService is the CRUD entry point for records. Every path that creates
// or edits a template runs the backfill before returning.
type RecordService struct {
	store    Store
	zones    *Resolver
	backfill *Backfill
	rollover *Rollover
}

func NewRecordService(store Store, zones *Resolver, backfill *Backfill, rollover *Rollover) *RecordService {
	return &RecordService{
		store:    store,
		zones:    zones,
		backfill: backfill,
		rollover: rollover,
	}
}

// SaveResult is a stored record plus the number of instances generated for it.
type SaveResult struct {
	Record           core.Record `json:"record"`
	CreatedInstances int         `json:"created_instances"`
}

// SetTimezone creates the user or changes its timezone label.
func (s *RecordService) SetTimezone(ctx context.Context, userID, timezone string) (core.User, error) {
	return s.store.UpsertUser(ctx, core.User{ID: userID, Timezone: timezone})
}

// Create stores a user-declared record. Instances cannot be created directly,
// so any template reference is dropped.
func (s *RecordService) Create(ctx context.Context, rec core.Record) (SaveResult, error) {
	rec.TemplateID = nil
	normalize(&rec)
	if err := rec.Validate(); err != nil {
		return SaveResult{}, err
	}
	if err := s.ensureUser(ctx, rec.UserID); err != nil {
		return SaveResult{}, err
	}

	loc, err := s.zones.ZoneFor(ctx, rec.UserID)
	if err != nil {
		return SaveResult{}, err
	}
	saved, err := s.store.CreateRecord(ctx, rec, loc)
	if err != nil {
		return SaveResult{}, fmt.Errorf("create record: %w", err)
	}

	slog.InfoContext(ctx, "Record created",
		log.FieldComponent, log.ComponentRecords,
		log.FieldRecordID, saved.ID,
		log.FieldUserID, saved.UserID,
		"kind", saved.Kind,
		"template", saved.IsTemplate())

	return s.expand(ctx, saved)
}

// Update edits a record in place. The owner and template reference of the
// stored record are kept. Editing a template re-runs its backfill; existing
// instances are not reshaped.
func (s *RecordService) Update(ctx context.Context, rec core.Record) (SaveResult, error) {
	existing, err := s.store.GetRecord(ctx, rec.UserID, rec.ID)
	if err != nil {
		return SaveResult{}, err
	}

	rec.TemplateID = existing.TemplateID
	rec.CreatedAt = existing.CreatedAt
	carryBillState(existing, &rec)
	normalize(&rec)
	if err := rec.Validate(); err != nil {
		return SaveResult{}, err
	}
	if err := s.checkFrequencyLock(ctx, existing, rec); err != nil {
		return SaveResult{}, err
	}

	loc, err := s.zones.ZoneFor(ctx, rec.UserID)
	if err != nil {
		return SaveResult{}, err
	}
	saved, err := s.store.UpdateRecord(ctx, rec, loc)
	if err != nil {
		return SaveResult{}, fmt.Errorf("update record: %w", err)
	}
	return s.expand(ctx, saved)
}

// Get returns one record of the user.
func (s *RecordService) Get(ctx context.Context, userID, id string) (core.Record, error) {
	return s.store.GetRecord(ctx, userID, id)
}

// List returns the user's records matching f. The owner filter is always set.
func (s *RecordService) List(ctx context.Context, userID string, f storage.RecordFilter) ([]core.Record, error) {
	f.UserID = userID
	return s.store.FindRecords(ctx, f)
}

// Delete removes a record. Deleting a record that is not itself an instance
// also removes every instance pointing at it, so a template that was later
// edited into a one-off still takes its series with it. It reports how many
// instances went with the record.
func (s *RecordService) Delete(ctx context.Context, userID, id string) (int64, error) {
	existing, err := s.store.GetRecord(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if existing.IsInstance() {
		return 0, s.store.DeleteRecord(ctx, userID, id)
	}
	return s.store.DeleteSeries(ctx, userID, id)
}

// MarkPaid pays a bill and rolls it over.
func (s *RecordService) MarkPaid(ctx context.Context, userID, id string) (RolloverResult, error) {
	bill, err := s.store.GetRecord(ctx, userID, id)
	if err != nil {
		return RolloverResult{}, err
	}
	return s.rollover.MarkPaid(ctx, bill)
}

func (s *RecordService) expand(ctx context.Context, saved core.Record) (SaveResult, error) {
	res := SaveResult{Record: saved}
	if !saved.IsTemplate() {
		return res, nil
	}
	n, err := s.backfill.Run(ctx, saved)
	res.CreatedInstances = n
	if err != nil {
		return res, fmt.Errorf("expand template: %w", err)
	}
	return res, nil
}

func (s *RecordService) ensureUser(ctx context.Context, userID string) error {
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		_, err = s.store.UpsertUser(ctx, core.User{ID: userID, Timezone: "UTC"})
	}
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// checkFrequencyLock rejects a frequency change on a bill template that
// already has instances.
func (s *RecordService) checkFrequencyLock(ctx context.Context, existing, rec core.Record) error {
	if existing.Kind != core.KindBill || !existing.IsTemplate() {
		return nil
	}
	if rec.Bill == nil || rec.Bill.Frequency == existing.Bill.Frequency {
		return nil
	}
	instances, err := s.store.FindRecords(ctx, storage.RecordFilter{UserID: existing.UserID, TemplateID: existing.ID})
	if err != nil {
		return fmt.Errorf("check instances: %w", err)
	}
	if len(instances) > 0 {
		return ErrFrequencyLocked
	}
	return nil
}

// carryBillState keeps the payment state of a stored bill across an edit
// that does not set it. Paid date and next due date are only written by the
// rollover.
func carryBillState(existing core.Record, rec *core.Record) {
	if existing.Bill == nil || rec.Bill == nil || rec.Kind != core.KindBill {
		return
	}
	if rec.Bill.Status == "" {
		rec.Bill.Status = existing.Bill.Status
	}
	if rec.Bill.LastPaidDate == nil {
		rec.Bill.LastPaidDate = existing.Bill.LastPaidDate
	}
	if rec.Bill.NextDueDate == nil {
		rec.Bill.NextDueDate = existing.Bill.NextDueDate
	}
}

// normalize fills defaults that depend on the record kind.
func normalize(rec *core.Record) {
	if rec.Kind == "" {
		rec.Kind = core.KindRegular
	}
	if rec.Kind == core.KindBill && rec.Bill != nil {
		if rec.Bill.Status == "" {
			rec.Bill.Status = core.BillUnpaid
		}
		if rec.Date.IsZero() {
			rec.Date = rec.Bill.DueDate
		}
	}
	if rec.Kind == core.KindRegular && rec.IsRecurring && (rec.StartDate == nil || rec.StartDate.IsZero()) {
		start := rec.Date
		rec.StartDate = &start
	}
}
