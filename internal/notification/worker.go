package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/model"
)

// Kind selects which subscribers receive a notice.
type Kind string

const (
	KindCancellation Kind = "cancellation"
	KindFailure      Kind = "failure"
)

// Notice is one push message.
type Notice struct {
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers notices to push subscribers in the background.
// Without webpush options notices are only logged.
type WorkerPool struct {
	size    int
	jobs    chan Notice
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *log.Logger
}

// NewWorkerPool creates a new worker pool. queue bounds the pending notices;
// Dispatch drops notices when it is full.
func NewWorkerPool(size, queue int, db *gorm.DB, webpushOptions *webpush.Options, logger *log.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Notice, queue),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logging.Component(logger, "notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	if wp.webpush == nil {
		wp.logger.Info("push delivery disabled, notices are logged only")
		return
	}
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", "worker", id)
	for {
		select {
		case n := <-wp.jobs:
			wp.sendNotice(ctx, n)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues a notice. It never blocks.
func (wp *WorkerPool) Dispatch(n Notice) {
	wp.logger.Info("notice", "kind", n.Kind, "title", n.Title, "body", n.Body)
	if wp.webpush == nil {
		return
	}
	select {
	case wp.jobs <- n:
	default:
		wp.logger.Warn("notification queue full, dropping notice", "kind", n.Kind)
	}
}

// Drain delivers the queued notices on the calling goroutine and returns
// once the queue is empty. One-shot commands call it before exiting.
func (wp *WorkerPool) Drain(ctx context.Context) {
	if wp.webpush == nil {
		return
	}
	for {
		select {
		case n := <-wp.jobs:
			wp.sendNotice(ctx, n)
		default:
			return
		}
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notice {
	return wp.jobs
}

// NotifyCancellation announces a cancelled lesson.
func (wp *WorkerPool) NotifyCancellation(_ context.Context, subject string, start time.Time) {
	wp.Dispatch(Notice{
		Kind:  KindCancellation,
		Title: subject + " cancelled",
		Body:  fmt.Sprintf("%s on %s is cancelled.", subject, start.Format("Mon 02.01. 15:04")),
	})
}

// NotifyFatalFailure announces that the reconciliation loop gave up.
func (wp *WorkerPool) NotifyFatalFailure(_ context.Context, err error) {
	body := "The class mirror stopped and needs a restart."
	if err != nil {
		body = fmt.Sprintf("The class mirror stopped and needs a restart: %v", err)
	}
	wp.Dispatch(Notice{Kind: KindFailure, Title: "Class mirror stopped", Body: body})
}

// sendNotice fetches the subscribers of the notice kind and sends to each.
func (wp *WorkerPool) sendNotice(ctx context.Context, n Notice) {
	column := "cancellations"
	if n.Kind == KindFailure {
		column = "failures"
	}

	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Where(column+" = ?", true).Find(&subscriptions).Error; err != nil {
		wp.logger.Error("failed to fetch subscriptions", "kind", n.Kind, "err", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		wp.logger.Error("failed to encode notice", "err", err)
		return
	}

	wp.logger.Debug("sending notifications", "kind", n.Kind, "count", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Error("failed to send notification", "endpoint", sub.Endpoint, "err", err)
		return
	}
	defer resp.Body.Close()

	// Expired subscriptions are removed.
	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "err", err)
		}
	}
}
