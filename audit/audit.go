// Package audit provides structured security-event logging.
//
// Events are emitted asynchronously through a buffered queue so emission
// never blocks a request. Raw tokens and key material are never placed in
// events; only outcomes and identifiers.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Actions recorded by the pipeline.
const (
	ActionLogin        = "login"         // token verification attempt
	ActionEnrichment   = "enrichment"    // directory enrichment outcome
	ActionAccessDenied = "access_denied" // authorization gate rejection
	ActionTokenIssued  = "token_issued"  // embed token generated
	ActionTokenRevoked = "token_revoked" // embed token revoked
	ActionDataAccess   = "data_access"   // RLS filters applied
	ActionMaintenance  = "maintenance"   // administrative cache operation
	ActionAnomaly      = "anomaly"       // unexpected failure at the boundary
)

// Results of an audited action.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Event is a single security audit record.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource,omitempty"`
	Result        string    `json:"result"`
	RequiredRoles []string  `json:"required_roles,omitempty"`
	UserRoles     []string  `json:"user_roles,omitempty"`
	AppliedRoles  []string  `json:"applied_roles,omitempty"`
	TokenID       string    `json:"token_id,omitempty"`
	ExpiresAt     string    `json:"expires_at,omitempty"`
	IP            string    `json:"ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Details       string    `json:"details,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithStdoutHandler adds a handler that writes JSON events to stdout.
func WithStdoutHandler() Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			data, _ := json.Marshal(e)
			fmt.Fprintf(os.Stdout, "%s\n", data)
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
	case l.queue <- event:
	case <-l.done:
		// Logger is shutting down, event is dropped
	}
}

// LoginAttempt records a token verification outcome. The raw token is
// never included.
func (l *Logger) LoginAttempt(userID string, success bool, detail string) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	l.Log(Event{Action: ActionLogin, UserID: userID, Result: result, Details: detail})
}

// AccessDenied records an authorization rejection with the roles involved.
func (l *Logger) AccessDenied(userID, resource string, required, actual []string) {
	l.Log(Event{
		Action:        ActionAccessDenied,
		UserID:        userID,
		Resource:      resource,
		Result:        ResultDenied,
		RequiredRoles: required,
		UserRoles:     actual,
	})
}

// TokenIssued records a successful embed token issuance.
func (l *Logger) TokenIssued(userID, reportID, tokenID string, applied []string, expiresAt time.Time) {
	l.Log(Event{
		Action:       ActionTokenIssued,
		UserID:       userID,
		Resource:     reportID,
		Result:       ResultSuccess,
		AppliedRoles: applied,
		TokenID:      tokenID,
		ExpiresAt:    expiresAt.Format(time.RFC3339),
	})
}

// TokenRevoked records an embed token revocation.
func (l *Logger) TokenRevoked(userID, tokenID string, found bool) {
	result := ResultSuccess
	if !found {
		result = ResultFailure
	}
	l.Log(Event{Action: ActionTokenRevoked, UserID: userID, TokenID: tokenID, Result: result})
}

// process handles events from the queue.
func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			for _, h := range l.handlers {
				h(event)
			}
		case <-l.done:
			// Drain remaining events
			for {
				select {
				case event := <-l.queue:
					for _, h := range l.handlers {
						h(event)
					}
				default:
					return
				}
			}
		}
	}
}

// Close flushes pending events and stops the logger.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}
