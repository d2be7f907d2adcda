package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cadenza/internal/core"
)

func TestRecordRequest_ToRecord(t *testing.T) {
	cents := int64(999)

	tests := []struct {
		name    string
		req     recordRequest
		check   func(t *testing.T, rec core.Record)
		wantErr bool
	}{
		{
			name: "regular template",
			req: recordRequest{
				Date: "2024-01-31", Title: " Gym ", Amount: "30.00", Currency: "eur",
				IsRecurring: true, Frequency: "monthly",
			},
			check: func(t *testing.T, rec core.Record) {
				if rec.Kind != core.KindRegular || rec.Title != "Gym" || rec.Currency != "EUR" {
					t.Errorf("unexpected record %+v", rec)
				}
				if rec.Amount.Cents != 3000 || rec.Frequency != core.Monthly || rec.Bill != nil {
					t.Errorf("unexpected amount or cadence %+v", rec)
				}
			},
		},
		{
			name: "amount_cents wins",
			req:  recordRequest{Date: "2024-03-01", Title: "x", Amount: "1.00", AmountCents: &cents},
			check: func(t *testing.T, rec core.Record) {
				if rec.Amount.Cents != 999 {
					t.Errorf("Amount = %d, want 999", rec.Amount.Cents)
				}
			},
		},
		{
			name: "legacy bill from category",
			req: recordRequest{
				Date: "2024-03-15", Title: "Rent", Amount: "12,50", Category: "Bill",
				Frequency: "monthly", IsRecurring: true,
			},
			check: func(t *testing.T, rec core.Record) {
				if rec.Kind != core.KindBill || rec.Bill == nil {
					t.Fatalf("expected a bill, got %+v", rec)
				}
				if rec.IsRecurring {
					t.Error("bills recur through their bill frequency")
				}
				if !rec.Bill.DueDate.Equal(core.NewDate(2024, 3, 15)) {
					t.Errorf("DueDate = %v, want the record date", rec.Bill.DueDate)
				}
				if rec.Bill.Frequency != core.Monthly {
					t.Errorf("unexpected bill details %+v", rec.Bill)
				}
				if rec.Bill.Status != "" {
					t.Errorf("Status = %q, want it left for the service to fill", rec.Bill.Status)
				}
			},
		},
		{
			name: "nested bill object",
			req: recordRequest{
				Kind: "bill", Date: "2024-03-01", Title: "Power", Amount: "40",
				Bill: &billRequest{DueDate: "2024-03-20", Status: "paid", Frequency: "yearly"},
			},
			check: func(t *testing.T, rec core.Record) {
				if !rec.Bill.DueDate.Equal(core.NewDate(2024, 3, 20)) || rec.Bill.Status != core.BillPaid {
					t.Errorf("unexpected bill details %+v", rec.Bill)
				}
				if rec.Bill.Frequency != core.Yearly {
					t.Errorf("Frequency = %q, want yearly", rec.Bill.Frequency)
				}
			},
		},
		{
			name:    "bad date",
			req:     recordRequest{Date: "15/03/2024", Title: "x", Amount: "1"},
			wantErr: true,
		},
		{
			name:    "bad amount",
			req:     recordRequest{Date: "2024-03-15", Title: "x", Amount: "abc"},
			wantErr: true,
		},
		{
			name:    "non-positive cents",
			req:     recordRequest{Date: "2024-03-15", Title: "x", AmountCents: new(int64)},
			wantErr: true,
		},
		{
			name:    "unknown frequency",
			req:     recordRequest{Date: "2024-03-15", Title: "x", Amount: "1", Frequency: "fortnightly"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := tt.req.toRecord("u1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !core.IsValidation(err) {
					t.Errorf("error %v should be a validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("toRecord() error = %v", err)
			}
			if rec.UserID != "u1" {
				t.Errorf("UserID = %q, want u1", rec.UserID)
			}
			tt.check(t, rec)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"timezone":"Europe/Rome"}`, false},
		{"unknown field", `{"tz":"Europe/Rome"}`, true},
		{"malformed", `{"timezone":`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			var v timezoneRequest
			err := decodeJSON(req, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errBadRequest) {
				t.Errorf("error %v should wrap errBadRequest", err)
			}
		})
	}
}

func TestParseRecordFilter(t *testing.T) {
	t.Run("all filters", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/?template_id=t1&kind=bill&templates_only=true&from=2024-03-01&to=2024-03-31", nil)
		f, err := parseRecordFilter(req)
		if err != nil {
			t.Fatalf("parseRecordFilter() error = %v", err)
		}
		if f.TemplateID != "t1" || f.Kind != core.KindBill || !f.TemplatesOnly {
			t.Errorf("unexpected filter %+v", f)
		}
		if f.From == nil || !f.From.Equal(core.NewDate(2024, 3, 1)) {
			t.Errorf("From = %v", f.From)
		}
		if f.To == nil || !f.To.Equal(core.NewDate(2024, 3, 31)) {
			t.Errorf("To = %v", f.To)
		}
	})

	t.Run("empty query", func(t *testing.T) {
		f, err := parseRecordFilter(httptest.NewRequest(http.MethodGet, "/", nil))
		if err != nil {
			t.Fatalf("parseRecordFilter() error = %v", err)
		}
		if f.From != nil || f.To != nil || f.TemplatesOnly {
			t.Errorf("expected zero filter, got %+v", f)
		}
	})

	bad := map[string]string{
		"kind":           "/?kind=loan",
		"templates_only": "/?templates_only=maybe",
		"from":           "/?from=yesterday",
	}
	for name, target := range bad {
		t.Run("bad "+name, func(t *testing.T) {
			if _, err := parseRecordFilter(httptest.NewRequest(http.MethodGet, target, nil)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Rent  ", "Rent"},
		{"a\x00b\x07c", "abc"},
		{"line\nbreak", "line\nbreak"},
	}
	for _, tt := range tests {
		if got := sanitizeInput(tt.in); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
