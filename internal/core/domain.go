package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
	OneTime   Frequency = "one-time"
)

const (
	KindRegular Kind = "regular"
	KindBill    Kind = "bill"
)

const (
	BillUnpaid  BillStatus = "unpaid"
	BillPaid    BillStatus = "paid"
	BillOverdue BillStatus = "overdue"
	BillPending BillStatus = "pending"
)

// legacyBillCategory is how older clients flag a bill.
const legacyBillCategory = "Bill"

type (
	Frequency string

	// Kind discriminates regular transactions from bills.
	Kind string

	BillStatus string

	Money struct {
		Cents int64
	}

	// BillDetails holds the fields only bills carry.
	BillDetails struct {
		DueDate      Date       `json:"due_date"`
		Status       BillStatus `json:"status"`
		Frequency    Frequency  `json:"frequency"`
		NextDueDate  *Date      `json:"next_due_date,omitempty"`
		LastPaidDate *time.Time `json:"last_paid_date,omitempty"`
	}

	// Record is a transaction or a bill. A record is either a template (the
	// recurring source of truth) or a one-off / generated instance.
	Record struct {
		ID          string       `json:"id"`
		UserID      string       `json:"user_id"`
		Kind        Kind         `json:"kind"`
		Date        Date         `json:"date"`
		Title       string       `json:"title"`
		Description string       `json:"description,omitempty"`
		Amount      Money        `json:"amount_cents"`
		Currency    string       `json:"currency"`
		Category    string       `json:"category"`
		IsRecurring bool         `json:"is_recurring"`
		Frequency   Frequency    `json:"frequency,omitempty"`
		StartDate   *Date        `json:"start_date,omitempty"`
		EndDate     *Date        `json:"end_date,omitempty"`
		TemplateID  *string      `json:"template_id,omitempty"`
		Bill        *BillDetails `json:"bill,omitempty"`
		CreatedAt   time.Time    `json:"created_at"`
		UpdatedAt   time.Time    `json:"updated_at"`
	}

	// User is the owner of records. Only the timezone matters to the engine.
	User struct {
		ID        string    `json:"id"`
		Timezone  string    `json:"timezone"`
		CreatedAt time.Time `json:"created_at"`
	}
)

var (
	ErrInvalidDay       = errors.New("invalid day")
	ErrInvalidMonth     = errors.New("invalid month")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidKind      = errors.New("invalid record kind")
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrInvalidStatus    = errors.New("invalid bill status")
	ErrEmptyTitle       = errors.New("empty title")
	ErrEmptyUser        = errors.New("empty user id")
	ErrMissingBill      = errors.New("bill details missing")
	ErrInvalidRecord    = errors.New("invalid record")
)

var validationErrors = []error{
	ErrInvalidRecord, ErrInvalidDay, ErrInvalidMonth, ErrInvalidAmount, ErrInvalidKind,
	ErrInvalidFrequency, ErrInvalidStatus, ErrEmptyTitle, ErrEmptyUser, ErrMissingBill,
}

// IsValidation reports whether err was caused by bad input rather than by
// storage or the environment.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ParseKind resolves the record discriminant once at the boundary.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindRegular, "":
		return KindRegular, nil
	case KindBill:
		return KindBill, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// KindFromLegacyCategory maps the old category-based encoding to a Kind.
func KindFromLegacyCategory(category string) Kind {
	if strings.TrimSpace(category) == legacyBillCategory {
		return KindBill
	}
	return KindRegular
}

// ParseFrequency normalizes a frequency label. Empty input yields "".
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "", Daily, Weekly, Monthly, Quarterly, Yearly, OneTime:
		return f, nil
	case "onetime", "one_time", "once":
		return OneTime, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
}

// Recurring reports whether f produces more than one occurrence.
func (f Frequency) Recurring() bool {
	switch f {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
		return true
	default:
		return false
	}
}

// ValidFor reports whether the frequency is allowed for the record kind.
func (f Frequency) ValidFor(k Kind) bool {
	switch k {
	case KindBill:
		return f == Monthly || f == Quarterly || f == Yearly || f == OneTime
	case KindRegular:
		return f == Daily || f == Weekly || f == Monthly || f == Yearly
	default:
		return false
	}
}

func ParseBillStatus(s string) (BillStatus, error) {
	st := BillStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case "":
		return BillUnpaid, nil
	case BillUnpaid, BillPaid, BillOverdue, BillPending:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// IsTemplate reports whether the record is the source of a recurring series.
func (r Record) IsTemplate() bool {
	if r.TemplateID != nil {
		return false
	}
	switch r.Kind {
	case KindRegular:
		return r.IsRecurring
	case KindBill:
		return r.Bill != nil && r.Bill.Frequency.Recurring()
	default:
		return false
	}
}

// IsInstance reports whether the record was generated from a template.
func (r Record) IsInstance() bool {
	return r.TemplateID != nil
}

// Anchor is the first occurrence of the series the record belongs to.
func (r Record) Anchor() Date {
	if r.Kind == KindBill && r.Bill != nil {
		return r.Bill.DueDate
	}
	if r.StartDate != nil && !r.StartDate.IsZero() {
		return *r.StartDate
	}
	return r.Date
}

// Cadence is the frequency driving the series.
func (r Record) Cadence() Frequency {
	if r.Kind == KindBill {
		if r.Bill == nil {
			return ""
		}
		return r.Bill.Frequency
	}
	return r.Frequency
}

// OccurrenceDate is the calendar day an instance represents.
func (r Record) OccurrenceDate() Date {
	if r.Kind == KindBill && r.Bill != nil && !r.Bill.DueDate.IsZero() {
		return r.Bill.DueDate
	}
	return r.Date
}

// Clone returns a deep copy so pointer fields can be changed independently.
func (r Record) Clone() Record {
	out := r
	if r.StartDate != nil {
		d := *r.StartDate
		out.StartDate = &d
	}
	if r.EndDate != nil {
		d := *r.EndDate
		out.EndDate = &d
	}
	if r.TemplateID != nil {
		id := *r.TemplateID
		out.TemplateID = &id
	}
	if r.Bill != nil {
		b := *r.Bill
		if r.Bill.NextDueDate != nil {
			d := *r.Bill.NextDueDate
			b.NextDueDate = &d
		}
		if r.Bill.LastPaidDate != nil {
			t := *r.Bill.LastPaidDate
			b.LastPaidDate = &t
		}
		out.Bill = &b
	}
	return out
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUser
	}
	if len(strings.TrimSpace(r.Title)) == 0 {
		return ErrEmptyTitle
	}
	if len(r.Title) > 200 {
		return fmt.Errorf("%w: title too long (max 200 characters)", ErrInvalidRecord)
	}
	if err := r.Amount.Validate(); err != nil {
		return err
	}

	switch r.Kind {
	case KindRegular:
		if err := r.Date.Validate(); err != nil {
			return fmt.Errorf("%w: date: %w", ErrInvalidRecord, err)
		}
		if r.Bill != nil {
			return fmt.Errorf("%w: regular record carries bill details", ErrInvalidKind)
		}
		if r.IsRecurring && !r.Frequency.ValidFor(KindRegular) {
			return fmt.Errorf("%w: %q is not allowed for regular transactions", ErrInvalidFrequency, r.Frequency)
		}
	case KindBill:
		if r.Bill == nil {
			return ErrMissingBill
		}
		if err := r.Bill.DueDate.Validate(); err != nil {
			return fmt.Errorf("%w: due date: %w", ErrInvalidRecord, err)
		}
		if r.Bill.Frequency != "" && !r.Bill.Frequency.ValidFor(KindBill) {
			return fmt.Errorf("%w: %q is not allowed for bills", ErrInvalidFrequency, r.Bill.Frequency)
		}
		if _, err := ParseBillStatus(string(r.Bill.Status)); err != nil {
			return err
		}
	default:
		return ErrInvalidKind
	}

	if r.EndDate != nil && !r.EndDate.IsZero() && r.EndDate.Before(r.Anchor()) {
		return fmt.Errorf("%w: end date must not be before the first occurrence", ErrInvalidRecord)
	}
	return nil
}
