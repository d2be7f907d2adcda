package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cadenza/internal/core"
	"cadenza/internal/log"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateInstance is returned when an instance already exists for the
	// same template and calendar day.
	ErrDuplicateInstance = errors.New("instance already exists for this day")
	ErrUserNotFound      = errors.New("user not found")
)

// InstanceFilter selects an instance of a template whose occurrence falls in
// [From, To).
type InstanceFilter struct {
	TemplateID string
	UserID     string
	From       time.Time
	To         time.Time
}

// RecordFilter narrows FindRecords. Zero values do not filter.
type RecordFilter struct {
	UserID        string
	TemplateID    string
	Kind          core.Kind
	TemplatesOnly bool
	From          *core.Date
	To            *core.Date
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// UpsertUser creates the user or updates its timezone label.
func (r *SQLiteRepository) UpsertUser(ctx context.Context, u core.User) (core.User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return core.User{}, core.ErrEmptyUser
	}
	if strings.TrimSpace(u.Timezone) == "" {
		u.Timezone = "UTC"
	}
	if err := r.queries.UpsertUser(ctx, u.ID, u.Timezone, formatTime(r.now())); err != nil {
		return core.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return r.GetUser(ctx, u.ID)
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (core.User, error) {
	row, err := r.queries.GetUser(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, ErrUserNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	return userFromRow(row), nil
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := r.queries.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]core.User, len(rows))
	for i, row := range rows {
		users[i] = userFromRow(row)
	}
	return users, nil
}

// CreateRecord inserts rec, assigning a fresh id. loc is the owner's zone and
// anchors the stored occurrence instant. A second instance for the same
// template and day fails with ErrDuplicateInstance.
func (r *SQLiteRepository) CreateRecord(ctx context.Context, rec core.Record, loc *time.Location) (core.Record, error) {
	now := r.now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	row := rowFromRecord(rec, loc)
	if err := r.queries.InsertRecord(ctx, row); err != nil {
		if isUniqueViolation(err) {
			return core.Record{}, fmt.Errorf("create record for %s: %w", row.InstanceDay.String, ErrDuplicateInstance)
		}
		return core.Record{}, fmt.Errorf("create record: %w", err)
	}

	slog.DebugContext(ctx, "Record saved to SQLite",
		log.FieldComponent, log.ComponentStorage,
		log.FieldRecordID, rec.ID,
		"kind", rec.Kind,
		log.FieldDate, row.RecordDate,
		log.FieldTemplateID, row.TemplateID.String)

	return rec, nil
}

func (r *SQLiteRepository) GetRecord(ctx context.Context, userID, id string) (core.Record, error) {
	row, err := r.queries.GetRecord(ctx, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, ErrNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("get record: %w", err)
	}
	return recordFromRow(row)
}

// FindInstance returns the instance matching f, or nil when there is none.
func (r *SQLiteRepository) FindInstance(ctx context.Context, f InstanceFilter) (*core.Record, error) {
	row, err := r.queries.FindInstanceInRange(ctx, f.TemplateID, f.UserID, f.From.Unix(), f.To.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	rec, err := recordFromRow(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindInstanceByDay looks an instance up by its unique calendar-day key.
func (r *SQLiteRepository) FindInstanceByDay(ctx context.Context, userID, templateID string, day core.Date) (core.Record, error) {
	row, err := r.queries.FindInstanceByDay(ctx, templateID, userID, day.String())
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, ErrNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("find instance by day: %w", err)
	}
	return recordFromRow(row)
}

func (r *SQLiteRepository) FindRecords(ctx context.Context, f RecordFilter) ([]core.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.TemplatesOnly {
		where = append(where, "("+templatePredicate+")")
	}
	if f.From != nil {
		where = append(where, "record_date >= ?")
		args = append(args, f.From.String())
	}
	if f.To != nil {
		where = append(where, "record_date <= ?")
		args = append(args, f.To.String())
	}

	rows, err := r.queries.ListRecords(ctx, where, args)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]core.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateRecord rewrites the mutable fields of rec. The template reference and
// owner never change.
func (r *SQLiteRepository) UpdateRecord(ctx context.Context, rec core.Record, loc *time.Location) (core.Record, error) {
	rec.UpdatedAt = r.now().UTC()
	row := rowFromRecord(rec, loc)
	n, err := r.queries.UpdateRecord(ctx, row)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Record{}, fmt.Errorf("update record: %w", ErrDuplicateInstance)
		}
		return core.Record{}, fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return core.Record{}, ErrNotFound
	}
	return r.GetRecord(ctx, rec.UserID, rec.ID)
}

// UpdateBill persists the payment state of a bill.
func (r *SQLiteRepository) UpdateBill(ctx context.Context, userID, id string, bill core.BillDetails) error {
	n, err := r.queries.UpdateBill(ctx, userID, id,
		string(bill.Status),
		nullDate(bill.NextDueDate),
		nullTime(bill.LastPaidDate),
		formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteRecord(ctx context.Context, userID, id string) error {
	n, err := r.queries.DeleteRecord(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSeries removes a template and every instance generated from it in one
// transaction. It returns the number of instances removed.
func (r *SQLiteRepository) DeleteSeries(ctx context.Context, userID, templateID string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	instances, err := q.DeleteInstancesOf(ctx, userID, templateID)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	n, err := q.DeleteRecord(ctx, userID, templateID)
	if err != nil {
		return 0, fmt.Errorf("delete template: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	slog.InfoContext(ctx, "Series deleted",
		log.FieldComponent, log.ComponentStorage,
		log.FieldTemplateID, templateID,
		"instances", instances)
	return instances, nil
}

// MarkOverdueBills flags unpaid bill instances due before the given instant.
func (r *SQLiteRepository) MarkOverdueBills(ctx context.Context, userID string, before time.Time) (int64, error) {
	n, err := r.queries.MarkOverdueBills(ctx, userID, before.Unix(), formatTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("mark overdue bills: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		if code&0xff == sqlite3.SQLITE_CONSTRAINT {
			return strings.Contains(se.Error(), "UNIQUE")
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
