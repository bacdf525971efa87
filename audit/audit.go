// Package audit provides structured audit logging for session and verification events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Actions recorded by the session manager and the verification tracker.
const (
	ActionLogin         = "login"
	ActionLogout        = "logout"
	ActionRefresh       = "refresh"
	ActionFlowStart     = "flow_start"
	ActionResend        = "resend"
	ActionVerify        = "verify"
	ActionResetPassword = "reset_password"
	ActionFlowExpire    = "flow_expire"
	ActionFlowCancel    = "flow_cancel"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event represents an authentication audit event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Flow      string    `json:"flow,omitempty"`
	Action    string    `json:"action"` // login, refresh, verify, etc.
	Result    string    `json:"result"` // success, failure
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers.
// A nil *Logger discards events.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithStdoutHandler adds a handler that writes JSON events to stdout.
func WithStdoutHandler() Option {
	return WithWriterHandler(os.Stdout)
}

// WithWriterHandler adds a handler that writes one JSON event per line to w.
func WithWriterHandler(w io.Writer) Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "%s\n", data)
		})
	}
}

// WithSlogHandler adds a handler that records events on a structured logger.
func WithSlogHandler(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			level := slog.LevelInfo
			if e.Result == ResultFailure {
				level = slog.LevelWarn
			}
			logger.LogAttrs(context.Background(), level, "audit",
				slog.String("action", e.Action),
				slog.String("result", e.Result),
				slog.String("email", e.Email),
				slog.String("flow", e.Flow),
				slog.String("request_id", e.RequestID),
				slog.String("error", e.Error),
			)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := &Logger{
		handlers: make([]Handler, 0),
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()

	return logger
}

// AddHandler adds a handler to receive audit events.
// It must be called before events are logged.
func (l *Logger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Log emits an audit event asynchronously.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- event:
	case <-l.done:
		// Logger is shutting down, event is dropped
	}
}

// Record is a shorthand for Log that fills the request ID from ctx and the
// result from err.
func (l *Logger) Record(ctx context.Context, action, email, flow string, err error) {
	if l == nil {
		return
	}
	e := Event{
		RequestID: RequestID(ctx),
		Email:     email,
		Flow:      flow,
		Action:    action,
		Result:    ResultSuccess,
	}
	if err != nil {
		e.Result = ResultFailure
		e.Error = err.Error()
	}
	l.Log(e)
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(event Event) {
	for _, h := range l.handlers {
		h(event)
	}
}

// Close flushes pending events and stops the logger. It is safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

// RequestID retrieves the request ID from context.
func RequestID(ctx context.Context) string {
	id, ok := ctx.Value(contextKeyRequestID).(string)
	if !ok {
		return ""
	}
	return id
}

// WithRequestID stores the request ID in context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

type contextKey string

const contextKeyRequestID contextKey = "audit.request_id"
