package models

import (
	"encoding/json"
	"time"
)

// BookingEvent is an append-only fact recorded in the same transaction as the
// transition it describes.
type BookingEvent struct {
	ID        int64           `json:"id"`
	BookingID string          `json:"booking_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventDelivery tracks hand-off of one event to the notification pipeline.
type EventDelivery struct {
	EventID     int64      `json:"event_id"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	NextRetryAt *time.Time `json:"next_retry_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryCompleted = "completed"
	DeliveryFailed    = "failed"
)
