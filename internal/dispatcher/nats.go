package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/fluxion/pkg/schema"
)

// ackPayload is the executor fleet's reply to an execution request.
type ackPayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Config configures the NATS dispatcher.
type Config struct {
	URL            string               `yaml:"url"`
	SubjectPrefix  string               `yaml:"subject_prefix"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	Rules          []RoutingRule        `yaml:"rules"`
	Breaker        CircuitBreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "fluxion.tasks",
		RequestTimeout: 5 * time.Second,
		Breaker:        DefaultCircuitBreakerConfig(),
	}
}

// NATSDispatcher delivers execution requests over NATS request/reply. A
// dispatch is accepted only when the fleet replies with a positive ack
// within the request timeout; anything else, including an open circuit, is a
// non-accept left to the redriver.
type NATSDispatcher struct {
	conn     *nats.Conn
	router   *Router
	breakers *CircuitBreakerRegistry
	timeout  time.Duration
	logger   *slog.Logger
}

// Connect dials NATS and builds the dispatcher.
func Connect(cfg Config, logger *slog.Logger) (*NATSDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fluxion-dispatcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "connect nats: %s", err.Error()).WithCause(err)
	}
	return NewNATSDispatcher(conn, cfg, logger), nil
}

// NewNATSDispatcher builds a dispatcher over an existing connection. The
// caller keeps ownership of the connection unless Close is used.
func NewNATSDispatcher(conn *nats.Conn, cfg Config, logger *slog.Logger) *NATSDispatcher {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDispatcher{
		conn:     conn,
		router:   NewRouter(cfg.SubjectPrefix, cfg.Rules),
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		timeout:  timeout,
		logger:   logger,
	}
}

// Dispatch sends the execution request to the fleet's subject and reports
// whether the fleet accepted it.
func (d *NATSDispatcher) Dispatch(ctx context.Context, fleetID string, msg *schema.TaskExecutionMessage) bool {
	subject := d.router.Resolve(fleetID, msg)

	if err := d.breakers.AllowRequest(subject); err != nil {
		d.logger.WarnContext(ctx, "dispatch suppressed by circuit breaker",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to serialize execution request",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		d.breakers.RecordFailure(subject)
		d.logger.WarnContext(ctx, "execution request got no reply",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}

	var ack ackPayload
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		d.breakers.RecordFailure(subject)
		d.logger.WarnContext(ctx, "malformed ack from executor fleet",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}
	if !ack.Accepted {
		d.breakers.RecordFailure(subject)
		d.logger.WarnContext(ctx, "executor fleet rejected execution request",
			slog.String("subject", subject),
			slog.String("reason", ack.Reason))
		return false
	}

	d.breakers.RecordSuccess(subject)
	return true
}

// Close drains and closes the underlying connection.
func (d *NATSDispatcher) Close() {
	if d.conn == nil {
		return
	}
	if err := d.conn.Drain(); err != nil {
		d.conn.Close()
	}
}
