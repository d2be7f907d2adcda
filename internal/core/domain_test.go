package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func ptrDate(d Date) *Date { return &d }

func ptrString(s string) *string { return &s }

func TestDateValidate(t *testing.T) {
	cases := []struct {
		d  Date
		ok bool
	}{
		{NewDate(2025, 1, 1), true},
		{NewDate(2025, 12, 31), true},
		{Date{}, false}, // zero date
	}
	for i, tc := range cases {
		err := tc.d.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestAddMonthsClamped(t *testing.T) {
	cases := []struct {
		name string
		from Date
		n    int
		want Date
	}{
		{"plain", NewDate(2024, 1, 15), 1, NewDate(2024, 2, 15)},
		{"jan 31 leap", NewDate(2024, 1, 31), 1, NewDate(2024, 2, 29)},
		{"jan 31 non leap", NewDate(2023, 1, 31), 1, NewDate(2023, 2, 28)},
		{"year wrap", NewDate(2024, 12, 31), 1, NewDate(2025, 1, 31)},
		{"quarter", NewDate(2024, 11, 30), 3, NewDate(2025, 2, 28)},
		{"leap day yearly", NewDate(2024, 2, 29), 12, NewDate(2025, 2, 28)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.from.AddMonthsClamped(tc.n)
			if !got.Equal(tc.want) {
				t.Fatalf("AddMonthsClamped(%s, %d) = %s, want %s", tc.from, tc.n, got, tc.want)
			}
		})
	}
}

func TestDateOfUsesZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	instant := time.Date(2024, 3, 1, 16, 30, 0, 0, time.UTC)
	if got := DateOf(instant, tokyo); !got.Equal(NewDate(2024, 3, 2)) {
		t.Fatalf("expected 2024-03-02, got %s", got)
	}
	if got := DateOf(instant, time.UTC); !got.Equal(NewDate(2024, 3, 1)) {
		t.Fatalf("expected 2024-03-01, got %s", got)
	}
}

func TestDateJSON(t *testing.T) {
	var payload struct {
		D Date  `json:"d"`
		E *Date `json:"e"`
	}
	if err := json.Unmarshal([]byte(`{"d":"2024-02-29","e":null}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.D.Equal(NewDate(2024, 2, 29)) || payload.E != nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	out, err := json.Marshal(payload.D)
	if err != nil || string(out) != `"2024-02-29"` {
		t.Fatalf("marshal: %s %v", out, err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("Bill"); err != nil || k != KindBill {
		t.Fatalf("expected bill, got %q %v", k, err)
	}
	if k, err := ParseKind(""); err != nil || k != KindRegular {
		t.Fatalf("expected regular default, got %q %v", k, err)
	}
	if _, err := ParseKind("loan"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if KindFromLegacyCategory("Bill") != KindBill || KindFromLegacyCategory("Food") != KindRegular {
		t.Fatal("legacy category mapping broken")
	}
}

func TestIsTemplate(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   bool
	}{
		{
			name:   "recurring regular without template id",
			record: Record{Kind: KindRegular, IsRecurring: true, Frequency: Monthly},
			want:   true,
		},
		{
			name:   "recurring regular instance",
			record: Record{Kind: KindRegular, IsRecurring: true, Frequency: Monthly, TemplateID: ptrString("t1")},
			want:   false,
		},
		{
			name:   "one-off regular",
			record: Record{Kind: KindRegular},
			want:   false,
		},
		{
			name:   "monthly bill",
			record: Record{Kind: KindBill, Bill: &BillDetails{Frequency: Monthly}},
			want:   true,
		},
		{
			name:   "one-time bill",
			record: Record{Kind: KindBill, Bill: &BillDetails{Frequency: OneTime}},
			want:   false,
		},
		{
			name:   "bill instance",
			record: Record{Kind: KindBill, Bill: &BillDetails{Frequency: Yearly}, TemplateID: ptrString("t1")},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.IsTemplate(); got != tt.want {
				t.Errorf("IsTemplate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnchorAndCadence(t *testing.T) {
	regular := Record{Kind: KindRegular, Date: NewDate(2024, 1, 5), StartDate: ptrDate(NewDate(2024, 1, 1)), Frequency: Weekly}
	if !regular.Anchor().Equal(NewDate(2024, 1, 1)) || regular.Cadence() != Weekly {
		t.Fatalf("unexpected regular anchor/cadence: %s %s", regular.Anchor(), regular.Cadence())
	}
	bill := Record{Kind: KindBill, Date: NewDate(2024, 1, 5), Bill: &BillDetails{DueDate: NewDate(2024, 1, 31), Frequency: Quarterly}}
	if !bill.Anchor().Equal(NewDate(2024, 1, 31)) || bill.Cadence() != Quarterly {
		t.Fatalf("unexpected bill anchor/cadence: %s %s", bill.Anchor(), bill.Cadence())
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Record{
		Kind:       KindBill,
		TemplateID: ptrString("t1"),
		Bill:       &BillDetails{DueDate: NewDate(2024, 1, 1), NextDueDate: ptrDate(NewDate(2024, 2, 1))},
	}
	c := orig.Clone()
	*c.TemplateID = "t2"
	c.Bill.Status = BillPaid
	*c.Bill.NextDueDate = NewDate(2030, 1, 1)
	if *orig.TemplateID != "t1" || orig.Bill.Status != "" || !orig.Bill.NextDueDate.Equal(NewDate(2024, 2, 1)) {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
}

func TestRecordValidate(t *testing.T) {
	good := Record{
		UserID:      "u1",
		Kind:        KindRegular,
		Date:        NewDate(2025, 1, 1),
		Title:       "Rent",
		Amount:      Money{Cents: 100},
		IsRecurring: true,
		Frequency:   Monthly,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	goodBill := Record{
		UserID: "u1",
		Kind:   KindBill,
		Date:   NewDate(2025, 1, 1),
		Title:  "Power",
		Amount: Money{Cents: 100},
		Bill:   &BillDetails{DueDate: NewDate(2025, 1, 1), Frequency: Quarterly, Status: BillUnpaid},
	}
	if err := goodBill.Validate(); err != nil {
		t.Fatalf("expected ok bill, got %v", err)
	}

	mutate := func(base Record, f func(*Record)) Record {
		r := base.Clone()
		f(&r)
		return r
	}
	bads := []struct {
		name string
		r    Record
		want error
	}{
		{"no user", mutate(good, func(r *Record) { r.UserID = "" }), ErrEmptyUser},
		{"no title", mutate(good, func(r *Record) { r.Title = " " }), ErrEmptyTitle},
		{"zero amount", mutate(good, func(r *Record) { r.Amount = Money{} }), ErrInvalidAmount},
		{"quarterly regular", mutate(good, func(r *Record) { r.Frequency = Quarterly }), ErrInvalidFrequency},
		{"daily bill", mutate(goodBill, func(r *Record) { r.Bill.Frequency = Daily }), ErrInvalidFrequency},
		{"bill without details", mutate(goodBill, func(r *Record) { r.Bill = nil }), ErrMissingBill},
		{"unknown kind", mutate(good, func(r *Record) { r.Kind = "loan" }), ErrInvalidKind},
		{"end before start", mutate(good, func(r *Record) { r.EndDate = ptrDate(NewDate(2024, 12, 1)) }), ErrInvalidRecord},
		{"zero date", mutate(good, func(r *Record) { r.Date = Date{} }), ErrInvalidRecord},
	}
	for _, tc := range bads {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsValidation(err) {
				t.Fatalf("IsValidation(%v) = false", err)
			}
		})
	}
}
