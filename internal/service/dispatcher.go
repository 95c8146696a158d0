package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-dms-letters/internal/client"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
)

// Notification is one post-commit message about a letter.
type Notification struct {
	Kind       string
	LetterID   string
	LetterName string
	ActorID    string
	Recipients []string
	Payload    map[string]interface{}
}

// EventPublisher publishes in-app notification events.
type EventPublisher interface {
	PublishLetterEvent(ctx context.Context, eventType, letterID, actorID string, recipients []string, payload map[string]interface{})
}

// EmailQueue enqueues email jobs.
type EmailQueue interface {
	Publish(ctx context.Context, job client.EmailJob) error
}

var emailSubjects = map[string]string{
	client.EventLetterReviewRequired:   "A letter is waiting for your review",
	client.EventLetterApprovalRequired: "A letter is waiting for your approval",
	client.EventLetterApproved:         "Your letter was approved",
	client.EventLetterRejected:         "Your letter was rejected",
	client.EventLetterReassigned:       "A letter was reassigned to you",
	client.EventLetterCommented:        "New comment on a letter",
}

// Dispatcher fans a Notification out to the in-app event bus and the email
// queue. Delivery runs in the background with its own timeout; failures are
// logged and dropped.
type Dispatcher struct {
	events  EventPublisher
	emails  EmailQueue
	users   UserDirectory
	timeout time.Duration
	log     *logger.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. emails may be nil.
func NewDispatcher(events EventPublisher, emails EmailQueue, users UserDirectory, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		events:  events,
		emails:  emails,
		users:   users,
		timeout: 10 * time.Second,
		log:     log,
	}
}

// Notify schedules delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if len(n.Recipients) == 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.deliver(ctx, n)
	}()
}

// Wait blocks until scheduled deliveries finish. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	payload := map[string]interface{}{"letter_name": n.LetterName}
	for k, v := range n.Payload {
		payload[k] = v
	}

	if d.events != nil {
		d.events.PublishLetterEvent(ctx, n.Kind, n.LetterID, n.ActorID, n.Recipients, payload)
	}

	if d.emails == nil {
		return
	}
	for _, id := range n.Recipients {
		u, err := d.users.Get(ctx, id)
		if err != nil {
			d.log.Warn().Err(err).Str("user_id", id).Str("letter_id", n.LetterID).Msg("email: recipient lookup failed")
			continue
		}
		job := client.EmailJob{
			To:       u.Email,
			Name:     u.DisplayName(),
			Template: n.Kind,
			Subject:  emailSubjects[n.Kind],
			LetterID: n.LetterID,
			Data:     payload,
		}
		if err := d.emails.Publish(ctx, job); err != nil {
			d.log.Warn().Err(err).Str("user_id", id).Str("letter_id", n.LetterID).Msg("email: enqueue failed (non-fatal)")
		}
	}
}
