package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cadenza/internal/core"
	"cadenza/internal/storage"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

// billRequest carries bill fields. Older clients send them at the top level
// of the record instead.
type billRequest struct {
	DueDate   string `json:"due_date"`
	Status    string `json:"status"`
	Frequency string `json:"frequency"`
}

// recordRequest is the JSON shape accepted on create and update. Amounts are
// decimal strings ("12.34" or "12,34"); amount_cents wins when both are set.
type recordRequest struct {
	Kind        string       `json:"kind"`
	Date        string       `json:"date"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Amount      string       `json:"amount"`
	AmountCents *int64       `json:"amount_cents"`
	Currency    string       `json:"currency"`
	Category    string       `json:"category"`
	IsRecurring bool         `json:"is_recurring"`
	Frequency   string       `json:"frequency"`
	StartDate   string       `json:"start_date"`
	EndDate     string       `json:"end_date"`
	Bill        *billRequest `json:"bill"`

	DueDate string `json:"due_date"`
	Status  string `json:"status"`
}

type timezoneRequest struct {
	Timezone string `json:"timezone"`
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// toRecord converts the request into a record owned by userID.
func (req recordRequest) toRecord(userID string) (core.Record, error) {
	rec := core.Record{
		UserID:      userID,
		Title:       sanitizeInput(req.Title),
		Description: sanitizeInput(req.Description),
		Currency:    strings.ToUpper(sanitizeInput(req.Currency)),
		Category:    sanitizeInput(req.Category),
		IsRecurring: req.IsRecurring,
	}

	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		return core.Record{}, err
	}
	if strings.TrimSpace(req.Kind) == "" {
		kind = core.KindFromLegacyCategory(rec.Category)
	}
	rec.Kind = kind

	if rec.Amount.Cents, err = parseAmount(req.Amount, req.AmountCents); err != nil {
		return core.Record{}, err
	}
	if rec.Date, err = parseOptionalDate("date", req.Date); err != nil {
		return core.Record{}, err
	}
	if rec.StartDate, err = parseDatePtr("start_date", req.StartDate); err != nil {
		return core.Record{}, err
	}
	if rec.EndDate, err = parseDatePtr("end_date", req.EndDate); err != nil {
		return core.Record{}, err
	}
	freq, err := core.ParseFrequency(req.Frequency)
	if err != nil {
		return core.Record{}, err
	}

	if kind != core.KindBill {
		rec.Frequency = freq
		return rec, nil
	}

	bill := req.Bill
	if bill == nil {
		bill = &billRequest{DueDate: req.DueDate, Status: req.Status, Frequency: req.Frequency}
	}
	details := &core.BillDetails{}
	if details.DueDate, err = parseOptionalDate("due_date", bill.DueDate); err != nil {
		return core.Record{}, err
	}
	if details.DueDate.IsZero() {
		details.DueDate = rec.Date
	}
	// an empty status keeps the stored one on update
	if strings.TrimSpace(bill.Status) != "" {
		if details.Status, err = core.ParseBillStatus(bill.Status); err != nil {
			return core.Record{}, err
		}
	}
	if details.Frequency, err = core.ParseFrequency(bill.Frequency); err != nil {
		return core.Record{}, err
	}
	rec.Bill = details
	// bills recur through their own frequency
	rec.IsRecurring = false
	return rec, nil
}

func parseAmount(amount string, cents *int64) (int64, error) {
	if cents != nil {
		if *cents <= 0 {
			return 0, core.ErrInvalidAmount
		}
		return *cents, nil
	}
	return core.ParseDecimalToCents(amount)
}

func parseOptionalDate(field, s string) (core.Date, error) {
	if strings.TrimSpace(s) == "" {
		return core.Date{}, nil
	}
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", core.ErrInvalidRecord, field)
	}
	return d, nil
}

func parseDatePtr(field, s string) (*core.Date, error) {
	d, err := parseOptionalDate(field, s)
	if err != nil || d.IsZero() {
		return nil, err
	}
	return &d, nil
}

// parseRecordFilter reads the list filters from the query string.
func parseRecordFilter(r *http.Request) (storage.RecordFilter, error) {
	q := r.URL.Query()
	f := storage.RecordFilter{
		TemplateID: strings.TrimSpace(q.Get("template_id")),
	}

	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		kind, err := core.ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	if v := strings.TrimSpace(q.Get("templates_only")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: templates_only must be a boolean", errBadRequest)
		}
		f.TemplatesOnly = b
	}

	var err error
	if f.From, err = parseDatePtr("from", q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseDatePtr("to", q.Get("to")); err != nil {
		return f, err
	}
	return f, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
