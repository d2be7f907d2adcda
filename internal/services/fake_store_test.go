package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cadenza/internal/amqp"
	"cadenza/internal/core"
	"cadenza/internal/storage"
)

// memStore is an in-memory Store with the same uniqueness rule as SQLite.
type memStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]core.User
	records  map[string]core.Record
	occurs   map[string]time.Time
	failOn   func(rec core.Record) error
	findErr  error
	creates  int
	findHook func()
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]core.User),
		records: make(map[string]core.Record),
		occurs:  make(map[string]time.Time),
	}
}

func (s *memStore) GetUser(_ context.Context, id string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return core.User{}, storage.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) UpsertUser(_ context.Context, u core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *memStore) ListUsers(_ context.Context) ([]core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindInstance(_ context.Context, f storage.InstanceFilter) (*core.Record, error) {
	if s.findHook != nil {
		s.findHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for id, rec := range s.records {
		if rec.TemplateID == nil || *rec.TemplateID != f.TemplateID || rec.UserID != f.UserID {
			continue
		}
		at := s.occurs[id]
		if !at.Before(f.From) && at.Before(f.To) {
			r := rec.Clone()
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateRecord(_ context.Context, rec core.Record, loc *time.Location) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil {
		if err := s.failOn(rec); err != nil {
			return core.Record{}, err
		}
	}
	if rec.TemplateID != nil {
		for _, other := range s.records {
			if other.TemplateID != nil && *other.TemplateID == *rec.TemplateID &&
				other.OccurrenceDate().Equal(rec.OccurrenceDate()) {
				return core.Record{}, fmt.Errorf("insert: %w", storage.ErrDuplicateInstance)
			}
		}
	}
	s.seq++
	rec.ID = fmt.Sprintf("r%d", s.seq)
	rec.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.UpdatedAt = rec.CreatedAt
	s.records[rec.ID] = rec.Clone()
	s.occurs[rec.ID] = rec.OccurrenceDate().StartIn(loc)
	s.creates++
	return rec, nil
}

func (s *memStore) GetRecord(_ context.Context, userID, id string) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return core.Record{}, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) FindInstanceByDay(_ context.Context, userID, templateID string, day core.Date) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.UserID == userID && rec.TemplateID != nil && *rec.TemplateID == templateID && rec.OccurrenceDate().Equal(day) {
			return rec.Clone(), nil
		}
	}
	return core.Record{}, storage.ErrNotFound
}

func (s *memStore) FindRecords(_ context.Context, f storage.RecordFilter) ([]core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Record
	for _, rec := range s.records {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.TemplateID != "" && (rec.TemplateID == nil || *rec.TemplateID != f.TemplateID) {
			continue
		}
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		if f.TemplatesOnly && !rec.IsTemplate() {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurrenceDate().Before(out[j].OccurrenceDate())
	})
	return out, nil
}

func (s *memStore) UpdateRecord(_ context.Context, rec core.Record, loc *time.Location) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return core.Record{}, storage.ErrNotFound
	}
	s.records[rec.ID] = rec.Clone()
	s.occurs[rec.ID] = rec.OccurrenceDate().StartIn(loc)
	return rec, nil
}

func (s *memStore) UpdateBill(_ context.Context, userID, id string, bill core.BillDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.UserID != userID || rec.Bill == nil {
		return storage.ErrNotFound
	}
	rec.Bill.Status = bill.Status
	rec.Bill.NextDueDate = bill.NextDueDate
	rec.Bill.LastPaidDate = bill.LastPaidDate
	s.records[id] = rec
	return nil
}

func (s *memStore) DeleteRecord(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return storage.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) DeleteSeries(_ context.Context, userID, templateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[templateID]; !ok || rec.UserID != userID {
		return 0, storage.ErrNotFound
	}
	var n int64
	for id, rec := range s.records {
		if rec.UserID == userID && rec.TemplateID != nil && *rec.TemplateID == templateID {
			delete(s.records, id)
			n++
		}
	}
	delete(s.records, templateID)
	return n, nil
}

func (s *memStore) MarkOverdueBills(_ context.Context, userID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.UserID != userID || rec.Bill == nil || rec.IsTemplate() || rec.Bill.Status != core.BillUnpaid {
			continue
		}
		if s.occurs[id].Before(before) {
			rec.Bill.Status = core.BillOverdue
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

// instanceDates returns the sorted occurrence dates of a template's instances.
func (s *memStore) instanceDates(templateID string) []string {
	recs, _ := s.FindRecords(context.Background(), storage.RecordFilter{TemplateID: templateID})
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.OccurrenceDate().String()
	}
	return out
}

// seed stores rec directly and returns it with an id.
func (s *memStore) seed(rec core.Record) core.Record {
	saved, err := s.CreateRecord(context.Background(), rec, time.UTC)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.creates--
	s.mu.Unlock()
	return saved
}

type recordingPublisher struct {
	mu       sync.Mutex
	created  []*amqp.InstanceCreatedMessage
	rolled   []*amqp.BillRolledOverMessage
	failWith error
}

func (p *recordingPublisher) PublishInstanceCreated(_ context.Context, msg *amqp.InstanceCreatedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.created = append(p.created, msg)
	return nil
}

func (p *recordingPublisher) PublishBillRolledOver(_ context.Context, msg *amqp.BillRolledOverMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.rolled = append(p.rolled, msg)
	return nil
}

var errStorageDown = errors.New("storage down")

// fixedClock pins the resolver's clock.
func fixedClock(t time.Time) ResolverOption {
	return WithClock(func() time.Time { return t })
}

func ymd(y, m, day int) core.Date { return core.NewDate(y, m, day) }

func ptr[T any](v T) *T { return &v }
