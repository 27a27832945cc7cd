// Package notify provides PostgreSQL LISTEN/NOTIFY wakeups so distributed
// workers react to new work without waiting for the next poll.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel represents a PostgreSQL notification channel name.
type NotifyChannel string

const (
	// ChannelRunQueued is notified when a run enters the pending queue.
	ChannelRunQueued NotifyChannel = "dazzle_run_queued"
	// ChannelTaskCompleted is notified when a human task is completed.
	ChannelTaskCompleted NotifyChannel = "dazzle_task_completed"
	// ChannelOutboxPending is notified when an outbox event is appended.
	ChannelOutboxPending NotifyChannel = "dazzle_outbox_pending"
)

// AllChannels returns all notification channels.
func AllChannels() []NotifyChannel {
	return []NotifyChannel{
		ChannelRunQueued,
		ChannelTaskCompleted,
		ChannelOutboxPending,
	}
}

// RunNotification is the payload for run queued notifications.
type RunNotification struct {
	RunID       string `json:"run_id"`
	ProcessName string `json:"process_name,omitempty"`
}

// TaskNotification is the payload for task completed notifications.
type TaskNotification struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id,omitempty"`
}

// OutboxNotification is the payload for outbox pending notifications.
type OutboxNotification struct {
	EventID string `json:"event_id"`
}

// NotificationHandler is a callback function that handles notifications.
type NotificationHandler func(ctx context.Context, channel NotifyChannel, payload string)

// Listener manages PostgreSQL LISTEN/NOTIFY connections.
type Listener struct {
	connString     string
	reconnectDelay time.Duration
	handlers       map[NotifyChannel][]NotificationHandler

	conn   *pgx.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	// Status
	isActive   bool
	lastError  error
	errorCount int
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithReconnectDelay sets the delay before reconnecting after a connection failure.
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.reconnectDelay = d
	}
}

// NewListener creates a new PostgreSQL notification listener.
func NewListener(connString string, opts ...ListenerOption) *Listener {
	l := &Listener{
		connString:     connString,
		reconnectDelay: 60 * time.Second,
		handlers:       make(map[NotifyChannel][]NotificationHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnNotification registers a handler for a notification channel.
// Multiple handlers can be registered for the same channel.
func (l *Listener) OnNotification(channel NotifyChannel, handler NotificationHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[channel] = append(l.handlers[channel], handler)
}

// Start begins listening for notifications in the background.
func (l *Listener) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.listenLoop()

	return nil
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive returns true if the LISTEN/NOTIFY connection is active.
func (l *Listener) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isActive
}

// LastError returns the last connection error, if any.
func (l *Listener) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			l.closeConnection()
			return
		default:
		}

		if err := l.connect(); err != nil {
			l.mu.Lock()
			l.isActive = false
			l.lastError = err
			l.errorCount++
			l.mu.Unlock()

			slog.Warn("failed to connect for LISTEN/NOTIFY, retrying",
				"error", err,
				"retry_delay", l.reconnectDelay,
				"error_count", l.errorCount)

			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
				continue
			}
		}

		l.mu.Lock()
		l.isActive = true
		l.lastError = nil
		l.errorCount = 0
		l.mu.Unlock()

		slog.Info("PostgreSQL LISTEN/NOTIFY connection established")

		if err := l.listenForNotifications(); err != nil {
			l.mu.Lock()
			l.isActive = false
			l.lastError = err
			l.mu.Unlock()

			slog.Warn("LISTEN/NOTIFY connection lost, reconnecting",
				"error", err,
				"reconnect_delay", l.reconnectDelay)

			l.closeConnection()

			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
				continue
			}
		}
	}
}

func (l *Listener) connect() error {
	conn, err := pgx.Connect(l.ctx, l.connString)
	if err != nil {
		return err
	}

	for _, channel := range AllChannels() {
		_, err := conn.Exec(l.ctx, "LISTEN "+string(channel))
		if err != nil {
			_ = conn.Close(l.ctx)
			return err
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	return nil
}

func (l *Listener) closeConnection() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.isActive = false
}

func (l *Listener) listenForNotifications() error {
	for {
		select {
		case <-l.ctx.Done():
			return nil
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()

		if conn == nil {
			return nil
		}

		notification, err := conn.WaitForNotification(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return err
		}

		l.dispatchNotification(NotifyChannel(notification.Channel), notification.Payload)
	}
}

func (l *Listener) dispatchNotification(channel NotifyChannel, payload string) {
	l.mu.RLock()
	handlers := l.handlers[channel]
	l.mu.RUnlock()

	for _, handler := range handlers {
		// Handlers run in goroutines so a slow one never blocks the
		// listen loop.
		go func(h NotificationHandler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in notification handler",
						"channel", channel,
						"panic", r)
				}
			}()
			h(l.ctx, channel, payload)
		}(handler)
	}
}

// Executor is the minimal query surface Publish needs; satisfied by
// *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish sends a notification through pg_notify. Publishing inside the
// transaction that queued the work means the wakeup only fires on commit.
func Publish(ctx context.Context, exec Executor, channel NotifyChannel, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, "SELECT pg_notify($1, $2)", string(channel), string(data))
	return err
}

// ParseRunNotification parses a run queued notification payload.
func ParseRunNotification(payload string) (*RunNotification, error) {
	var n RunNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ParseTaskNotification parses a task completed notification payload.
func ParseTaskNotification(payload string) (*TaskNotification, error) {
	var n TaskNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ParseOutboxNotification parses an outbox notification payload.
func ParseOutboxNotification(payload string) (*OutboxNotification, error) {
	var n OutboxNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, err
	}
	return &n, nil
}
