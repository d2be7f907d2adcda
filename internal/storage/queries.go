package storage

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the SQL of the repository, bound to a connection or a transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy of q bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// recordRow mirrors the records table.
type recordRow struct {
	ID              string
	UserID          string
	Kind            string
	RecordDate      string
	OccursAt        int64
	Title           string
	Description     string
	AmountCents     int64
	Currency        string
	Category        string
	IsRecurring     int64
	Frequency       string
	StartDate       sql.NullString
	EndDate         sql.NullString
	TemplateID      sql.NullString
	InstanceDay     sql.NullString
	BillDueDate     sql.NullString
	BillStatus      sql.NullString
	BillFrequency   sql.NullString
	BillNextDueDate sql.NullString
	BillLastPaidAt  sql.NullString
	CreatedAt       string
	UpdatedAt       string
}

const recordColumns = `id, user_id, kind, record_date, occurs_at, title, description, amount_cents,
	currency, category, is_recurring, frequency, start_date, end_date, template_id, instance_day,
	bill_due_date, bill_status, bill_frequency, bill_next_due_date, bill_last_paid_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(s rowScanner) (recordRow, error) {
	var r recordRow
	err := s.Scan(
		&r.ID, &r.UserID, &r.Kind, &r.RecordDate, &r.OccursAt, &r.Title, &r.Description, &r.AmountCents,
		&r.Currency, &r.Category, &r.IsRecurring, &r.Frequency, &r.StartDate, &r.EndDate, &r.TemplateID, &r.InstanceDay,
		&r.BillDueDate, &r.BillStatus, &r.BillFrequency, &r.BillNextDueDate, &r.BillLastPaidAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

const insertRecord = `INSERT INTO records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertRecord(ctx context.Context, r recordRow) error {
	_, err := q.db.ExecContext(ctx, insertRecord,
		r.ID, r.UserID, r.Kind, r.RecordDate, r.OccursAt, r.Title, r.Description, r.AmountCents,
		r.Currency, r.Category, r.IsRecurring, r.Frequency, r.StartDate, r.EndDate, r.TemplateID, r.InstanceDay,
		r.BillDueDate, r.BillStatus, r.BillFrequency, r.BillNextDueDate, r.BillLastPaidAt,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const updateRecord = `UPDATE records SET
	kind = ?, record_date = ?, occurs_at = ?, title = ?, description = ?, amount_cents = ?,
	currency = ?, category = ?, is_recurring = ?, frequency = ?, start_date = ?, end_date = ?,
	instance_day = ?, bill_due_date = ?, bill_status = ?, bill_frequency = ?, bill_next_due_date = ?,
	bill_last_paid_at = ?, updated_at = ?
WHERE id = ? AND user_id = ?`

func (q *Queries) UpdateRecord(ctx context.Context, r recordRow) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateRecord,
		r.Kind, r.RecordDate, r.OccursAt, r.Title, r.Description, r.AmountCents,
		r.Currency, r.Category, r.IsRecurring, r.Frequency, r.StartDate, r.EndDate,
		r.InstanceDay, r.BillDueDate, r.BillStatus, r.BillFrequency, r.BillNextDueDate,
		r.BillLastPaidAt, r.UpdatedAt,
		r.ID, r.UserID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const updateBill = `UPDATE records SET
	bill_status = ?, bill_next_due_date = ?, bill_last_paid_at = ?, updated_at = ?
WHERE id = ? AND user_id = ? AND kind = 'bill'`

func (q *Queries) UpdateBill(ctx context.Context, userID, id string, status string, nextDue, lastPaid sql.NullString, updatedAt string) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateBill, status, nextDue, lastPaid, updatedAt, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const getRecord = `SELECT ` + recordColumns + ` FROM records WHERE id = ? AND user_id = ?`

func (q *Queries) GetRecord(ctx context.Context, userID, id string) (recordRow, error) {
	return scanRecordRow(q.db.QueryRowContext(ctx, getRecord, id, userID))
}

const findInstanceInRange = `SELECT ` + recordColumns + ` FROM records
WHERE template_id = ? AND user_id = ? AND occurs_at >= ? AND occurs_at < ?
ORDER BY occurs_at
LIMIT 1`

func (q *Queries) FindInstanceInRange(ctx context.Context, templateID, userID string, from, to int64) (recordRow, error) {
	return scanRecordRow(q.db.QueryRowContext(ctx, findInstanceInRange, templateID, userID, from, to))
}

const findInstanceByDay = `SELECT ` + recordColumns + ` FROM records
WHERE template_id = ? AND user_id = ? AND instance_day = ?`

func (q *Queries) FindInstanceByDay(ctx context.Context, templateID, userID, day string) (recordRow, error) {
	return scanRecordRow(q.db.QueryRowContext(ctx, findInstanceByDay, templateID, userID, day))
}

// templatePredicate matches recurring sources of truth.
const templatePredicate = `template_id IS NULL AND (
	(kind = 'regular' AND is_recurring = 1) OR
	(kind = 'bill' AND bill_frequency IN ('monthly', 'quarterly', 'yearly')))`

func (q *Queries) ListRecords(ctx context.Context, where []string, args []any) ([]recordRow, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY occurs_at, created_at`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recordRow
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const deleteRecord = `DELETE FROM records WHERE id = ? AND user_id = ?`

func (q *Queries) DeleteRecord(ctx context.Context, userID, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteRecord, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteInstancesOf = `DELETE FROM records WHERE template_id = ? AND user_id = ?`

func (q *Queries) DeleteInstancesOf(ctx context.Context, userID, templateID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteInstancesOf, templateID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const markOverdueBills = `UPDATE records SET bill_status = 'overdue', updated_at = ?
WHERE user_id = ? AND kind = 'bill' AND bill_status = 'unpaid' AND occurs_at < ?
	AND NOT (` + templatePredicate + `)`

func (q *Queries) MarkOverdueBills(ctx context.Context, userID string, before int64, updatedAt string) (int64, error) {
	res, err := q.db.ExecContext(ctx, markOverdueBills, updatedAt, userID, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const upsertUser = `INSERT INTO users (id, timezone, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET timezone = excluded.timezone`

func (q *Queries) UpsertUser(ctx context.Context, id, timezone, createdAt string) error {
	_, err := q.db.ExecContext(ctx, upsertUser, id, timezone, createdAt)
	return err
}

const getUser = `SELECT id, timezone, created_at FROM users WHERE id = ?`

type userRow struct {
	ID        string
	Timezone  string
	CreatedAt string
}

func (q *Queries) GetUser(ctx context.Context, id string) (userRow, error) {
	var u userRow
	err := q.db.QueryRowContext(ctx, getUser, id).Scan(&u.ID, &u.Timezone, &u.CreatedAt)
	return u, err
}

const listUsers = `SELECT id, timezone, created_at FROM users ORDER BY id`

func (q *Queries) ListUsers(ctx context.Context) ([]userRow, error) {
	rows, err := q.db.QueryContext(ctx, listUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []userRow
	for rows.Next() {
		var u userRow
		if err := rows.Scan(&u.ID, &u.Timezone, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
