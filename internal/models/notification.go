package models

import "time"

// Notification status constants
const (
	NotificationStatusPending = "PENDING"
	NotificationStatusSent    = "SENT"
	NotificationStatusFailed  = "FAILED"
)

// Notification is a deliverable notification request. DedupeKey is
// deterministic per (event kind, ref, recipient) so that retried
// transitions never produce a second deliverable record.
type Notification struct {
	ID          int64     `json:"id"`
	DedupeKey   string    `json:"dedupe_key"`
	RecipientID string    `json:"recipient_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	RefType     string    `json:"ref_type"`
	RefID       string    `json:"ref_id"`
	ActionURL   string    `json:"action_url,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a directory entry consumed by the approver resolver
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"is_active"`
}
