package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/config"
	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/metrics"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/message"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

const maxBackoff = 30 * time.Second

// SESService and SNSService mirror the AWS SDK call surface for mocking.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// DeliveryStore is the slice of the message repository the dispatcher needs.
// Status updates are the only writes the dispatcher ever makes; routing
// fields stay untouched no matter how delivery goes.
type DeliveryStore interface {
	GetForDelivery(ctx context.Context, messageID string) (*message.DeliveryInfo, error)
	UpdateNotificationStatus(ctx context.Context, messageID, status string) error
}

// Dispatcher drains notification jobs from the queue and delivers them over
// the enabled channels, retrying with exponential backoff until the attempt
// budget runs out.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	channels config.NotificationConfig
	store    DeliveryStore
	ses      SESService
	sns      SNSService
	logger   logger.Logger
}

func NewDispatcher(cfg config.DispatcherConfig, channels config.NotificationConfig, store DeliveryStore, sesClient SESService, snsClient SNSService, log logger.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = stderrors.GetRetryCount(stderrors.ErrCodeNotificationSendFailed)
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		store:    store,
		ses:      sesClient,
		sns:      snsClient,
		logger:   log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
}

// Run starts the worker pool and blocks until the delivery channel closes or
// the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case del, ok := <-deliveries:
					if !ok {
						return
					}
					d.handleDelivery(ctx, del)
				}
			}
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) handleDelivery(ctx context.Context, del amqp.Delivery) {
	metrics.NotificationJobsActive.Inc()
	defer metrics.NotificationJobsActive.Dec()

	var job models.NotificationJob
	if err := json.Unmarshal(del.Body, &job); err != nil {
		d.logger.WithError(err).Error("malformed notification job", map[string]interface{}{
			"body": string(del.Body),
		})
		_ = del.Nack(false, false) // dead-letter, nothing to retry
		return
	}

	if err := d.Process(ctx, job); err != nil {
		_ = del.Nack(false, false)
		return
	}
	_ = del.Ack(false)
}

// Process drives one job to a terminal state: delivered, or failed_exhausted
// after the full retry budget. The returned error marks the job for the dead
// letter queue.
func (d *Dispatcher) Process(ctx context.Context, job models.NotificationJob) error {
	info, err := d.store.GetForDelivery(ctx, job.MessageID)
	if err != nil {
		d.logger.WithError(err).Error("load message for delivery", map[string]interface{}{
			"messageId": job.MessageID,
		})
		return err
	}

	var lastErr error
	for attempt := job.Attempt; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > job.Attempt {
			if err := d.wait(ctx, d.backoffDelay(attempt)); err != nil {
				return err
			}
		}

		lastErr = d.sendOnce(ctx, info)
		if lastErr == nil {
			metrics.NotificationAttempts.WithLabelValues("delivered").Inc()
			if err := d.store.UpdateNotificationStatus(ctx, job.MessageID, models.NotificationDelivered); err != nil {
				d.logger.WithError(err).Error("mark delivered", map[string]interface{}{
					"messageId": job.MessageID,
				})
			}
			return nil
		}

		metrics.NotificationAttempts.WithLabelValues("failed").Inc()
		d.logger.WithError(lastErr).Warn("notification attempt failed", map[string]interface{}{
			"messageId": job.MessageID,
			"attempt":   attempt + 1,
		})
	}

	metrics.NotificationExhausted.Inc()
	if err := d.store.UpdateNotificationStatus(ctx, job.MessageID, models.NotificationFailedExhausted); err != nil {
		d.logger.WithError(err).Error("mark failed_exhausted", map[string]interface{}{
			"messageId": job.MessageID,
		})
	}
	d.logger.Error("notification retry budget exhausted", map[string]interface{}{
		"messageId": job.MessageID,
		"attempts":  d.cfg.MaxAttempts,
	})
	return stderrors.NewNotificationExhaustedError(job.MessageID, d.cfg.MaxAttempts)
}

// sendOnce pushes the message over every enabled channel the recipient has
// an address for. One successful channel is enough; a job with no usable
// channel is dropped as delivered since retrying cannot help it.
func (d *Dispatcher) sendOnce(ctx context.Context, info *message.DeliveryInfo) error {
	subject := fmt.Sprintf("New message from %s", info.SenderName)
	body := fmt.Sprintf("%s\n\nSent to you as %s.", info.Message.Body, info.Message.ActualLevel.DisplayName())

	emailSent := false
	smsSent := false
	var lastErr error

	if d.channels.Email.Enabled && info.RecipientEmail != "" {
		if err := d.sendEmail(ctx, info.RecipientEmail, subject, body); err != nil {
			lastErr = stderrors.NewNotificationSendFailedError("email", err)
		} else {
			emailSent = true
		}
	}

	if d.channels.SMS.Enabled && info.RecipientPhone != "" {
		if err := d.sendSMS(ctx, info.RecipientPhone, body); err != nil {
			lastErr = stderrors.NewNotificationSendFailedError("sms", err)
		} else {
			smsSent = true
		}
	}

	if emailSent || smsSent {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}

	d.logger.Warn("no usable notification channel", map[string]interface{}{
		"messageId": info.Message.ID,
		"recipient": info.Message.RecipientAccountID,
	})
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := d.ses.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(d.channels.Email.FromEmail),
	})
	return err
}

func (d *Dispatcher) sendSMS(ctx context.Context, to, body string) error {
	_, err := d.sns.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(body),
	})
	return err
}

// backoffDelay doubles per failed attempt: base, 2x, 4x, capped.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(d.cfg.BaseBackoff) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
