package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

var (
	// ErrDuplicateKey means an insert raced another send with the same
	// (sender, idempotency key) pair; the prior message wins.
	ErrDuplicateKey = errors.New("DUPLICATE_SEND")

	// ErrUnknownSender means the sender id matches no account.
	ErrUnknownSender = errors.New("UNKNOWN_SENDER")
)

// Repository owns the messages table. Messages are written once and are
// immutable afterwards except for notification status transitions.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert persists a routed message as a single atomic write. The unique
// index on (sender_id, idempotency_key) makes concurrent duplicate sends
// lose cleanly.
func (r *Repository) Insert(ctx context.Context, msg *models.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, sender_id, body, requested_level, actual_level,
			 recipient_account_id, fallback_applied, idempotency_key,
			 notification_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.SenderID, msg.Body,
		string(msg.RequestedLevel), string(msg.ActualLevel),
		msg.RecipientAccountID, msg.FallbackApplied, msg.IdempotencyKey,
		msg.NotificationStatus, msg.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindByIdempotencyKey returns the prior message for (senderID, key) within
// the dedup window, or nil when there is none. A non-positive window reads
// without an age bound; the unique index that settles insert races is
// ageless, so recovering the winner must be too.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, senderID, key string, window time.Duration) (*models.Message, error) {
	query := `
		SELECT id, sender_id, body, requested_level, actual_level,
		       recipient_account_id, fallback_applied, idempotency_key,
		       notification_status, created_at
		FROM messages
		WHERE sender_id = $1 AND idempotency_key = $2`
	args := []interface{}{senderID, key}
	if window > 0 {
		query += ` AND created_at >= $3`
		args = append(args, time.Now().UTC().Add(-window))
	}
	query += `
		ORDER BY created_at DESC
		LIMIT 1`

	var msg models.Message
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&msg.ID, &msg.SenderID, &msg.Body, &msg.RequestedLevel, &msg.ActualLevel,
		&msg.RecipientAccountID, &msg.FallbackApplied, &msg.IdempotencyKey,
		&msg.NotificationStatus, &msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return &msg, nil
}

// SenderScope loads the sender's recorded location. Missing fields are
// normal; the resolver skips levels it cannot project.
func (r *Repository) SenderScope(ctx context.Context, senderID string) (hierarchy.LocationScope, error) {
	var state, lga, ward sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT state, lga, ward FROM accounts WHERE id = $1`,
		senderID,
	).Scan(&state, &lga, &ward)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hierarchy.LocationScope{}, fmt.Errorf("%w: %s", ErrUnknownSender, senderID)
		}
		return hierarchy.LocationScope{}, fmt.Errorf("sender scope lookup: %w", err)
	}
	return hierarchy.LocationScope{State: state.String, LGA: lga.String, Ward: ward.String}, nil
}

// UpdateNotificationStatus transitions the message's notification status.
// Routing fields are never touched.
func (r *Repository) UpdateNotificationStatus(ctx context.Context, messageID, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET notification_status = $2 WHERE id = $1`,
		messageID, status,
	)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message not found: %s", messageID)
	}
	return nil
}

// DeliveryInfo is everything the dispatcher needs to notify a recipient.
type DeliveryInfo struct {
	Message        models.Message
	RecipientName  string
	RecipientEmail string
	RecipientPhone string
	SenderName     string
}

// GetForDelivery loads a message together with recipient and sender contact
// details for notification delivery.
func (r *Repository) GetForDelivery(ctx context.Context, messageID string) (*DeliveryInfo, error) {
	var info DeliveryInfo
	var email, phone sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT m.id, m.sender_id, m.body, m.requested_level, m.actual_level,
		       m.recipient_account_id, m.fallback_applied, m.notification_status, m.created_at,
		       rcpt.full_name, rcpt.email, rcpt.phone, snd.full_name
		FROM messages m
		JOIN accounts rcpt ON rcpt.id = m.recipient_account_id
		JOIN accounts snd ON snd.id = m.sender_id
		WHERE m.id = $1`,
		messageID,
	).Scan(
		&info.Message.ID, &info.Message.SenderID, &info.Message.Body,
		&info.Message.RequestedLevel, &info.Message.ActualLevel,
		&info.Message.RecipientAccountID, &info.Message.FallbackApplied,
		&info.Message.NotificationStatus, &info.Message.CreatedAt,
		&info.RecipientName, &email, &phone, &info.SenderName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message not found: %s", messageID)
		}
		return nil, fmt.Errorf("delivery lookup: %w", err)
	}
	info.RecipientEmail = email.String
	info.RecipientPhone = phone.String
	return &info, nil
}
