// internal/models/message.go
package models

import (
	"time"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
)

// Notification statuses. A message is created pending; the dispatcher moves
// it to delivered or failed_exhausted. Routing fields never change after
// creation.
const (
	NotificationPending         = "pending"
	NotificationDelivered       = "delivered"
	NotificationFailedExhausted = "failed_exhausted"
)

// Message is a routed member message. Both the requested and the actual
// routing decision are recorded for audit; FallbackApplied is derived from
// them at creation time.
type Message struct {
	ID                 string          `json:"id"`
	SenderID           string          `json:"senderId"`
	Body               string          `json:"body"`
	RequestedLevel     hierarchy.Level `json:"requestedLevel"`
	ActualLevel        hierarchy.Level `json:"actualLevel"`
	RecipientAccountID string          `json:"recipientAccountId"`
	FallbackApplied    bool            `json:"fallbackApplied"`
	IdempotencyKey     string          `json:"idempotencyKey"`
	NotificationStatus string          `json:"notificationStatus"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// RoutingOutcome is the sender-facing result of a send. Exactly one of the
// success fields or FailureReason is populated.
type RoutingOutcome struct {
	Success         bool            `json:"success"`
	MessageID       string          `json:"messageId,omitempty"`
	RequestedLevel  hierarchy.Level `json:"requestedLevel"`
	ActualLevel     hierarchy.Level `json:"actualLevel,omitempty"`
	FallbackApplied bool            `json:"fallbackApplied,omitempty"`
	Explanation     string          `json:"explanation,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
}

// NotificationJob is the ephemeral work item carried on the queue between the
// lifecycle manager and the dispatcher pool. It is destroyed on success or
// dead-lettered after exhausting the retry budget; the message itself is
// unaffected either way.
type NotificationJob struct {
	MessageID string `json:"messageId"`
	Attempt   int    `json:"attempt"`
}

// RoutingAuditRecord is the admin-facing view of a routing decision.
type RoutingAuditRecord struct {
	MessageID          string          `json:"messageId"`
	SenderID           string          `json:"senderId"`
	RequestedLevel     hierarchy.Level `json:"requestedLevel"`
	ActualLevel        hierarchy.Level `json:"actualLevel"`
	RecipientAccountID string          `json:"recipientAccountId"`
	FallbackApplied    bool            `json:"fallbackApplied"`
	NotificationStatus string          `json:"notificationStatus,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}
