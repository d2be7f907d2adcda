package storage

import (
	"database/sql"
	"fmt"
	"time"

	"cadenza/internal/core"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullDate(d *core.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func datePtr(ns sql.NullString) (*core.Date, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := core.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// rowFromRecord flattens rec. occurs_at is the start of the occurrence day in
// loc, and instance_day is only set for generated instances so that the
// unique index ignores templates and one-offs.
func rowFromRecord(rec core.Record, loc *time.Location) recordRow {
	occurrence := rec.OccurrenceDate()
	row := recordRow{
		ID:          rec.ID,
		UserID:      rec.UserID,
		Kind:        string(rec.Kind),
		RecordDate:  rec.Date.String(),
		OccursAt:    occurrence.StartIn(loc).Unix(),
		Title:       rec.Title,
		Description: rec.Description,
		AmountCents: rec.Amount.Cents,
		Currency:    rec.Currency,
		Category:    rec.Category,
		IsRecurring: boolToInt(rec.IsRecurring),
		Frequency:   string(rec.Frequency),
		StartDate:   nullDate(rec.StartDate),
		EndDate:     nullDate(rec.EndDate),
		TemplateID:  nullString(rec.TemplateID),
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	if rec.IsInstance() {
		row.InstanceDay = sql.NullString{String: occurrence.String(), Valid: true}
	}
	if rec.Bill != nil {
		row.BillDueDate = nullDate(&rec.Bill.DueDate)
		row.BillStatus = sql.NullString{String: string(rec.Bill.Status), Valid: true}
		row.BillFrequency = sql.NullString{String: string(rec.Bill.Frequency), Valid: true}
		row.BillNextDueDate = nullDate(rec.Bill.NextDueDate)
		row.BillLastPaidAt = nullTime(rec.Bill.LastPaidDate)
	}
	return row
}

func recordFromRow(row recordRow) (core.Record, error) {
	date, err := core.ParseDate(row.RecordDate)
	if err != nil {
		return core.Record{}, fmt.Errorf("record %s: parse date: %w", row.ID, err)
	}
	rec := core.Record{
		ID:          row.ID,
		UserID:      row.UserID,
		Kind:        core.Kind(row.Kind),
		Date:        date,
		Title:       row.Title,
		Description: row.Description,
		Amount:      core.Money{Cents: row.AmountCents},
		Currency:    row.Currency,
		Category:    row.Category,
		IsRecurring: row.IsRecurring != 0,
		Frequency:   core.Frequency(row.Frequency),
		CreatedAt:   parseTime(row.CreatedAt),
		UpdatedAt:   parseTime(row.UpdatedAt),
	}
	if rec.StartDate, err = datePtr(row.StartDate); err != nil {
		return core.Record{}, fmt.Errorf("record %s: parse start date: %w", row.ID, err)
	}
	if rec.EndDate, err = datePtr(row.EndDate); err != nil {
		return core.Record{}, fmt.Errorf("record %s: parse end date: %w", row.ID, err)
	}
	if row.TemplateID.Valid {
		id := row.TemplateID.String
		rec.TemplateID = &id
	}

	if rec.Kind == core.KindBill {
		due, err := datePtr(row.BillDueDate)
		if err != nil {
			return core.Record{}, fmt.Errorf("record %s: parse due date: %w", row.ID, err)
		}
		bill := &core.BillDetails{
			Status:    core.BillStatus(row.BillStatus.String),
			Frequency: core.Frequency(row.BillFrequency.String),
		}
		if due != nil {
			bill.DueDate = *due
		}
		if bill.NextDueDate, err = datePtr(row.BillNextDueDate); err != nil {
			return core.Record{}, fmt.Errorf("record %s: parse next due date: %w", row.ID, err)
		}
		if row.BillLastPaidAt.Valid {
			t := parseTime(row.BillLastPaidAt.String)
			bill.LastPaidDate = &t
		}
		rec.Bill = bill
	}
	return rec, nil
}

func userFromRow(row userRow) core.User {
	return core.User{
		ID:        row.ID,
		Timezone:  row.Timezone,
		CreatedAt: parseTime(row.CreatedAt),
	}
}
