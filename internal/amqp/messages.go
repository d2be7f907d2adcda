package amqp

import (
	"encoding/json"
	"time"
)

// Routing keys on the exchange.
const (
	RoutingInstanceCreated  = "instance.created"
	RoutingBillRolledOver   = "bill.rolled_over"
	RoutingReconcileRequest = "reconcile.request"
)

// InstanceCreatedMessage announces an instance generated from a template.
// Consumers fetch the full record by id.
type InstanceCreatedMessage struct {
	InstanceID string    `json:"instance_id"`
	TemplateID string    `json:"template_id"`
	UserID     string    `json:"user_id"`
	Date       string    `json:"date"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewInstanceCreatedMessage(instanceID, templateID, userID, date string) *InstanceCreatedMessage {
	return &InstanceCreatedMessage{
		InstanceID: instanceID,
		TemplateID: templateID,
		UserID:     userID,
		Date:       date,
		Timestamp:  time.Now().UTC(),
	}
}

// BillRolledOverMessage announces that a paid bill produced its next occurrence.
// NextID is empty for bills that do not recur.
type BillRolledOverMessage struct {
	PaidID      string    `json:"paid_id"`
	NextID      string    `json:"next_id,omitempty"`
	UserID      string    `json:"user_id"`
	NextDueDate string    `json:"next_due_date,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewBillRolledOverMessage(paidID, nextID, userID, nextDue string) *BillRolledOverMessage {
	return &BillRolledOverMessage{
		PaidID:      paidID,
		NextID:      nextID,
		UserID:      userID,
		NextDueDate: nextDue,
		Timestamp:   time.Now().UTC(),
	}
}

// ReconcileRequestMessage asks the worker to backfill one user's templates
// ahead of the next scheduled sweep.
type ReconcileRequestMessage struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewReconcileRequestMessage(userID, reason string) *ReconcileRequestMessage {
	return &ReconcileRequestMessage{
		UserID:    userID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ReconcileRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReconcileRequestMessageFromJSON decodes a reconcile request.
func ReconcileRequestMessageFromJSON(data []byte) (*ReconcileRequestMessage, error) {
	var msg ReconcileRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
