package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"class-mirror-backend/internal/logging"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func subscriptionRows(endpoint string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "cancellations", "failures", "created_at"}).
		AddRow(endpoint, "test_p256dh", "test_auth", true, true, time.Now())
}

func okResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

func TestWorkerPool_NotifyCancellation(t *testing.T) {
	db, _ := newTestDB(t)
	wp := NewWorkerPool(1, 4, db, &webpush.Options{}, logging.Discard())

	start := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	wp.NotifyCancellation(context.Background(), "Math", start)

	select {
	case n := <-wp.Jobs():
		assert.Equal(t, KindCancellation, n.Kind)
		assert.Equal(t, "Math cancelled", n.Title)
		assert.Contains(t, n.Body, "Fri 01.03. 08:00")
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for notice to be dispatched")
	}
}

func TestWorkerPool_DispatchNeverBlocks(t *testing.T) {
	db, _ := newTestDB(t)
	wp := NewWorkerPool(1, 1, db, &webpush.Options{}, logging.Discard())

	done := make(chan struct{})
	go func() {
		wp.NotifyFatalFailure(context.Background(), errors.New("first"))
		wp.NotifyFatalFailure(context.Background(), errors.New("second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
	assert.Len(t, wp.Jobs(), 1)
}

func TestWorkerPool_DisabledOnlyLogs(t *testing.T) {
	db, _ := newTestDB(t)
	wp := NewWorkerPool(1, 4, db, nil, logging.Discard())

	wp.NotifyFatalFailure(context.Background(), errors.New("boom"))
	assert.Empty(t, wp.Jobs())
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, 4, gormDB, &webpush.Options{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	t.Run("sends cancellation to opted-in subscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				assert.Equal(t, "https://example.com/push", sub.Endpoint)
				var n Notice
				assert.NoError(t, json.Unmarshal(payload, &n))
				assert.Equal(t, KindCancellation, n.Kind)
				return okResponse(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE cancellations = \$1`).
			WithArgs(true).
			WillReturnRows(subscriptionRows("https://example.com/push"))

		wp.NotifyCancellation(ctx, "Math", time.Now())
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fatal failure goes to failure subscribers and deletes expired", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				var n Notice
				assert.NoError(t, json.Unmarshal(payload, &n))
				assert.Equal(t, KindFailure, n.Kind)
				assert.Contains(t, n.Body, "session expired")
				return okResponse(http.StatusGone), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE failures = \$1`).
			WithArgs(true).
			WillReturnRows(subscriptionRows("https://example.com/expired"))
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = \$1`).
			WithArgs("https://example.com/expired").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		wp.NotifyFatalFailure(ctx, errors.New("session expired"))
		wg.Wait()

		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("no subscribers sends nothing", func(t *testing.T) {
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				t.Error("unexpected send")
				return okResponse(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE cancellations = \$1`).
			WithArgs(true).
			WillReturnRows(sqlmock.NewRows([]string{"endpoint"}))

		wp.NotifyCancellation(ctx, "Math", time.Now())
		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})
}

func TestWorkerPool_DrainDeliversQueued(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, 4, gormDB, &webpush.Options{}, logging.Discard())

	sent := 0
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			sent++
			return okResponse(http.StatusCreated), nil
		},
	}
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE cancellations = \$1`).
			WithArgs(true).
			WillReturnRows(subscriptionRows("https://example.com/push"))
	}

	ctx := context.Background()
	wp.NotifyCancellation(ctx, "Math", time.Now())
	wp.NotifyCancellation(ctx, "Art", time.Now())
	wp.Drain(ctx)

	assert.Equal(t, 2, sent)
	assert.Empty(t, wp.Jobs())
	assert.NoError(t, mock.ExpectationsWereMet())
}
