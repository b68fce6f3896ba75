// Package laborder implements lab test ordering on top of the sqlite data-access core:
// the test catalogue and atomic creation of an order header with its items.
package laborder

import "time"

// Order priorities.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// StatusPending is the initial status of orders and their items.
const StatusPending = "pending"

// DefaultCategory is stored when an item or test has no category.
const DefaultCategory = "General"

// Header is the caller-supplied part of an order.
type Header struct {
	PatientRef    string `json:"patientRef" validate:"required,max=64"`
	RequesterRef  string `json:"requesterRef" validate:"required,max=64"`
	Priority      string `json:"priority" validate:"omitempty,oneof=routine urgent stat"`
	ClinicalNotes string `json:"clinicalNotes" validate:"max=2000"`
	Instructions  string `json:"instructions" validate:"max=2000"`
}

// Item is one requested test. TestID links to the catalogue and may be nil
// for ad-hoc tests.
type Item struct {
	TestID   *int64   `json:"testId" validate:"omitempty,gt=0"`
	Name     string   `json:"name" validate:"required,max=200"`
	Code     string   `json:"code" validate:"required,max=32"`
	Category string   `json:"category" validate:"max=100"`
	Price    *float64 `json:"price" validate:"required,gte=0"`
}

// CreatedItem is a stored order item.
type CreatedItem struct {
	ID       int64   `json:"id"`
	TestID   *int64  `json:"testId,omitempty"`
	Name     string  `json:"name"`
	Code     string  `json:"code"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`
}

// Order is a stored order with its items.
type Order struct {
	ID            int64         `json:"orderId"`
	Number        string        `json:"orderNumber"`
	PatientRef    string        `json:"patientRef"`
	RequesterRef  string        `json:"requesterRef"`
	Priority      string        `json:"priority"`
	Status        string        `json:"status"`
	ClinicalNotes string        `json:"clinicalNotes,omitempty"`
	Instructions  string        `json:"instructions,omitempty"`
	Items         []CreatedItem `json:"items"`
	TotalAmount   float64       `json:"totalAmount"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Test is a catalogue entry.
type Test struct {
	ID       int64   `json:"id"`
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Active   bool    `json:"active"`
}

// Category groups active tests.
type Category struct {
	Name      string `json:"category"`
	TestCount int64  `json:"testCount"`
}

// PriceUpdate reports a bulk price change. Verified counts active tests that
// carry the new price after the update.
type PriceUpdate struct {
	Updated  int64   `json:"updatedCount"`
	Total    int64   `json:"totalTests"`
	Verified int64   `json:"verifiedTests"`
	Price    float64 `json:"newPrice"`
}
