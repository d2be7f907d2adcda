package services

import (
	"context"
	"errors"
	"time"

	"cadenza/internal/amqp"
	"cadenza/internal/core"
	"cadenza/internal/storage"
)

var (
	// ErrNotTemplate is returned when a backfill is asked to walk a record
	// that is not the source of a recurring series.
	ErrNotTemplate = errors.New("record is not a recurring template")
	ErrNotBill     = errors.New("record is not a bill")
	// ErrFrequencyLocked is returned when a bill template's frequency is
	// edited after instances were generated from it.
	ErrFrequencyLocked = errors.New("bill frequency cannot change once instances exist")
)

// UserLookup resolves the owner of records.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (core.User, error)
}

// InstanceFinder is the read side of the duplicate guard.
type InstanceFinder interface {
	FindInstance(ctx context.Context, f storage.InstanceFilter) (*core.Record, error)
}

// Store is the storage collaborator of the engine. *storage.SQLiteRepository
// implements it.
type Store interface {
	UserLookup
	InstanceFinder

	UpsertUser(ctx context.Context, u core.User) (core.User, error)
	ListUsers(ctx context.Context) ([]core.User, error)

	CreateRecord(ctx context.Context, rec core.Record, loc *time.Location) (core.Record, error)
	GetRecord(ctx context.Context, userID, id string) (core.Record, error)
	FindInstanceByDay(ctx context.Context, userID, templateID string, day core.Date) (core.Record, error)
	FindRecords(ctx context.Context, f storage.RecordFilter) ([]core.Record, error)
	UpdateRecord(ctx context.Context, rec core.Record, loc *time.Location) (core.Record, error)
	UpdateBill(ctx context.Context, userID, id string, bill core.BillDetails) error
	DeleteRecord(ctx context.Context, userID, id string) error
	DeleteSeries(ctx context.Context, userID, templateID string) (int64, error)
	MarkOverdueBills(ctx context.Context, userID string, before time.Time) (int64, error)
}

// EventPublisher announces engine side effects. *amqp.Client implements it.
type EventPublisher interface {
	PublishInstanceCreated(ctx context.Context, msg *amqp.InstanceCreatedMessage) error
	PublishBillRolledOver(ctx context.Context, msg *amqp.BillRolledOverMessage) error
}

var _ Store = (*storage.SQLiteRepository)(nil)
