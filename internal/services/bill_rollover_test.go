package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"cadenza/internal/core"
)

func newTestRollover(store Store, now time.Time, events EventPublisher) *Rollover {
	return NewRollover(store, NewResolver(store, fixedClock(now)), NewTemplateLocks(), events)
}

func TestMarkPaidRollsMonthlyBillForward(t *testing.T) {
	store := newMemStore()
	tpl := store.seed(billTemplate(ymd(2024, 1, 31), core.Monthly))
	paidAt := time.Date(2024, 1, 30, 8, 0, 0, 0, time.UTC)
	events := &recordingPublisher{}

	res, err := newTestRollover(store, paidAt, events).MarkPaid(context.Background(), tpl)
	if err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}

	if res.Next == nil {
		t.Fatal("expected a next occurrence")
	}
	next := *res.Next
	if !next.Bill.DueDate.Equal(ymd(2024, 2, 29)) || !next.Bill.NextDueDate.Equal(ymd(2024, 2, 29)) {
		t.Fatalf("next due date = %s, want 2024-02-29", next.Bill.DueDate)
	}
	if next.Bill.Status != core.BillUnpaid || next.Bill.LastPaidDate != nil {
		t.Fatalf("next occurrence must be unpaid: %+v", next.Bill)
	}
	if next.TemplateID == nil || *next.TemplateID != tpl.ID || next.ID == "" || next.ID == tpl.ID {
		t.Fatalf("next occurrence not linked to the series: %+v", next)
	}

	if res.Updated.Bill.Status != core.BillPaid || !res.Updated.Bill.LastPaidDate.Equal(paidAt) {
		t.Fatalf("original not marked paid: %+v", res.Updated.Bill)
	}
	stored, _ := store.GetRecord(context.Background(), "u1", tpl.ID)
	if stored.Bill.Status != core.BillPaid || !stored.Bill.NextDueDate.Equal(ymd(2024, 2, 29)) {
		t.Fatalf("stored original not updated: %+v", stored.Bill)
	}

	if len(events.rolled) != 1 || events.rolled[0].NextID != next.ID {
		t.Fatalf("expected one rollover event, got %+v", events.rolled)
	}
}

func TestMarkPaidInstanceKeepsSeries(t *testing.T) {
	store := newMemStore()
	tpl := store.seed(billTemplate(ymd(2024, 1, 15), core.Monthly))
	inst := store.seed(NewInstance(tpl, ymd(2024, 2, 15)))

	res, err := newTestRollover(store, noon(2024, 2, 10), nil).MarkPaid(context.Background(), inst)
	if err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if *res.Next.TemplateID != tpl.ID {
		t.Fatalf("next occurrence points at %s, want the template %s", *res.Next.TemplateID, tpl.ID)
	}
	if !res.Next.Bill.DueDate.Equal(ymd(2024, 3, 15)) {
		t.Fatalf("next due date = %s, want 2024-03-15", res.Next.Bill.DueDate)
	}
}

func TestMarkPaidIsMonotonic(t *testing.T) {
	dues := []core.Date{ymd(2024, 1, 31), ymd(2024, 2, 29), ymd(2023, 12, 31), ymd(2024, 8, 31), ymd(2025, 6, 1)}
	freqs := []core.Frequency{core.Monthly, core.Quarterly, core.Yearly}

	for _, due := range dues {
		for _, freq := range freqs {
			store := newMemStore()
			bill := store.seed(billTemplate(due, freq))

			res, err := newTestRollover(store, noon(2024, 1, 1), nil).MarkPaid(context.Background(), bill)
			if err != nil {
				t.Fatalf("%s %s: %v", due, freq, err)
			}
			want, _ := Step(due, freq)
			got := res.Next.Bill.DueDate
			if !got.After(due) || !got.Equal(want) {
				t.Fatalf("%s %s: next due %s, want %s", due, freq, got, want)
			}
		}
	}
}

func TestMarkPaidOneTimeBill(t *testing.T) {
	for _, freq := range []core.Frequency{core.OneTime, ""} {
		t.Run(string(freq), func(t *testing.T) {
			store := newMemStore()
			bill := store.seed(billTemplate(ymd(2024, 3, 10), freq))
			before := len(store.records)

			res, err := newTestRollover(store, noon(2024, 3, 9), nil).MarkPaid(context.Background(), bill)
			if err != nil {
				t.Fatalf("MarkPaid() error = %v", err)
			}
			if res.Next != nil {
				t.Fatalf("one-time bill rolled over to %+v", res.Next)
			}
			if res.Updated.Bill.Status != core.BillPaid || res.Updated.Bill.LastPaidDate == nil {
				t.Fatalf("bill not marked paid: %+v", res.Updated.Bill)
			}
			if len(store.records) != before {
				t.Fatalf("expected no new records, got %d", len(store.records)-before)
			}
		})
	}
}

func TestMarkPaidReusesExistingSuccessor(t *testing.T) {
	store := newMemStore()
	tpl := store.seed(billTemplate(ymd(2024, 1, 31), core.Monthly))
	existing := store.seed(NewInstance(tpl, ymd(2024, 2, 29)))

	res, err := newTestRollover(store, noon(2024, 1, 30), nil).MarkPaid(context.Background(), tpl)
	if err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if res.Next.ID != existing.ID {
		t.Fatalf("expected existing successor %s, got %s", existing.ID, res.Next.ID)
	}
	if got := store.instanceDates(tpl.ID); len(got) != 1 {
		t.Fatalf("expected a single instance, got %v", got)
	}
}

func TestMarkPaidErrors(t *testing.T) {
	store := newMemStore()
	r := newTestRollover(store, noon(2024, 1, 1), nil)

	regular := store.seed(regularTemplate(ymd(2024, 1, 1), core.Monthly, nil))
	if _, err := r.MarkPaid(context.Background(), regular); !errors.Is(err, ErrNotBill) {
		t.Fatalf("expected ErrNotBill, got %v", err)
	}

	bill := store.seed(billTemplate(ymd(2024, 1, 31), core.Monthly))
	store.failOn = func(core.Record) error { return errStorageDown }
	if _, err := r.MarkPaid(context.Background(), bill); !errors.Is(err, errStorageDown) {
		t.Fatalf("expected storage error, got %v", err)
	}
	stored, _ := store.GetRecord(context.Background(), "u1", bill.ID)
	if stored.Bill.Status != core.BillUnpaid {
		t.Fatalf("original must stay unpaid when the successor cannot be created, got %s", stored.Bill.Status)
	}
}
