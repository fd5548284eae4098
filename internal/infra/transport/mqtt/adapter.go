// Package mqtt implements the remote pub/sub trigger transport. A trigger
// publishes a millisecond timestamp to the trigger topic and waits for "1"
// (relay engaged) and "0" (relay released) on the status topic.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Default topics and payloads.
const (
	DefaultTriggerTopic = "gate/trigger"
	DefaultStatusTopic  = "gate/status"

	PayloadActive   = "1"
	PayloadInactive = "0"

	// statusBuffer bounds status messages queued between the broker callback
	// and the trigger loop.
	statusBuffer = 16
)

// Config holds the topic layout shared by all MQTT targets.
type Config struct {
	TriggerTopic string
	StatusTopic  string
	// QoS applies to both the trigger publish and the status subscription.
	// Zero is a valid at-most-once setting and is used as given.
	QoS byte
}

func (c Config) withDefaults() Config {
	if c.TriggerTopic == "" {
		c.TriggerTopic = DefaultTriggerTopic
	}
	if c.StatusTopic == "" {
		c.StatusTopic = DefaultStatusTopic
	}
	return c
}

// CredentialsFunc returns the broker credentials for a target, nil if none.
type CredentialsFunc func(ctx context.Context, target gate.Target) (*gate.Credentials, error)

var _ gate.Adapter = (*Adapter)(nil)

// Adapter triggers the relay through an MQTT broker. Each Trigger opens a
// fresh session under the adapter's stable client ID and tears it down on
// return.
type Adapter struct {
	target    gate.Target
	cfg       Config
	clientID  string
	creds     CredentialsFunc
	newClient ClientFactory
	clock     clock.Clock

	mu        sync.Mutex
	busy      bool
	client    Client
	cancel    context.CancelCauseFunc
	lastToken int64

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClientFactory replaces the paho-backed client.
func WithClientFactory(f ClientFactory) Option { return func(a *Adapter) { a.newClient = f } }

// WithClock sets the clock used for trigger tokens.
func WithClock(c clock.Clock) Option { return func(a *Adapter) { a.clock = c } }

// NewAdapter creates an MQTT adapter for target with a new client identity.
func NewAdapter(
	target gate.Target,
	cfg Config,
	creds CredentialsFunc,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Adapter {
	a := &Adapter{
		target:    target,
		cfg:       cfg.withDefaults(),
		clientID:  "gatekeeper-" + uuid.New().String(),
		creds:     creds,
		newClient: NewPahoClient,
		clock:     clock.New(),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logger.With("component", "mqtt_adapter", "target", target.Address(), "client_id", a.clientID)
	return a
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "mqtt:" + a.target.Address() }

// ClientID returns the connection identity used with the broker.
func (a *Adapter) ClientID() string { return a.clientID }

var errCancelled = errors.New("trigger cancelled")

// Trigger publishes one trigger request and waits for the release status.
func (a *Adapter) Trigger(ctx context.Context, onRelay gate.RelayFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return gate.ErrBusy
	}
	a.busy = true
	a.cancel = cancel
	a.mu.Unlock()
	defer a.release()

	ctx, span := a.tracer.Start(ctx, "mqtt_adapter.trigger", trace.WithAttributes(
		attribute.String("target", a.target.Address()),
		attribute.String("client_id", a.clientID),
	))
	defer span.End()

	if err := a.trigger(ctx, onRelay); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger failed")
		a.logger.Warn(ctx, "MQTT trigger failed", "error", err)
		return err
	}
	span.AddEvent("relay_released")
	return nil
}

func (a *Adapter) trigger(ctx context.Context, onRelay gate.RelayFunc) error {
	opts := ClientOptions{
		BrokerURL: BrokerURL(a.target.Host, a.target.Port, a.target.Secure, a.target.WebSocketPath),
		ClientID:  a.clientID,
	}
	if a.target.Secure {
		opts.TLSConfig = &tls.Config{ServerName: a.target.Host, MinVersion: tls.VersionTLS12}
	}
	if a.creds != nil {
		creds, err := a.creds(ctx, a.target)
		if err != nil {
			return fmt.Errorf("%w: credentials: %w", gate.ErrConfigurationMissing, err)
		}
		if creds != nil {
			opts.Username, opts.Password = creds.Username, creds.Password
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		opts.ConnectTimeout = dl.Sub(a.clock.Now())
	}

	client := a.newClient(opts)
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		return a.ctxErr(ctx)
	}
	a.client = client
	a.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return a.ctxErr(ctx)
		}
		return fmt.Errorf("%w: connect %s: %w", gate.ErrConnectionFailed, opts.BrokerURL, err)
	}

	status := make(chan []byte, statusBuffer)
	handler := func(payload []byte, retained bool) {
		if retained {
			return
		}
		select {
		case status <- bytes.Clone(payload):
		default:
			a.logger.Warn(ctx, "dropping MQTT status message, buffer full")
		}
	}
	if err := client.Subscribe(ctx, a.cfg.StatusTopic, a.cfg.QoS, handler); err != nil {
		if ctx.Err() != nil {
			return a.ctxErr(ctx)
		}
		return fmt.Errorf("%w: subscribe %s: %w", gate.ErrConnectionFailed, a.cfg.StatusTopic, err)
	}

	token := a.nextToken()
	if err := client.Publish(ctx, a.cfg.TriggerTopic, a.cfg.QoS, []byte(strconv.FormatInt(token, 10))); err != nil {
		if ctx.Err() != nil {
			return a.ctxErr(ctx)
		}
		return fmt.Errorf("%w: publish %s: %w", gate.ErrConnectionFailed, a.cfg.TriggerTopic, err)
	}
	a.logger.Debug(ctx, "MQTT trigger published", "token", token)

	activated := false
	for {
		select {
		case <-ctx.Done():
			return a.ctxErr(ctx)
		case payload := <-status:
			switch string(bytes.TrimSpace(payload)) {
			case PayloadActive:
				if !activated {
					activated = true
					onRelay(gate.RelayActivated)
				}
			case PayloadInactive:
				if !activated {
					onRelay(gate.RelayActivated)
				}
				onRelay(gate.RelayReleased)
				return nil
			default:
				return fmt.Errorf("%w: unexpected status payload %q", gate.ErrInvalidResponse, payload)
			}
		}
	}
}

func (a *Adapter) ctxErr(ctx context.Context) error {
	return fmt.Errorf("%w: %w", gate.ErrOperationTimeout, context.Cause(ctx))
}

// nextToken returns the trigger payload: the current Unix time in
// milliseconds, bumped when needed so tokens strictly increase.
func (a *Adapter) nextToken() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	token := a.clock.Now().UnixMilli()
	if token <= a.lastToken {
		token = a.lastToken + 1
	}
	a.lastToken = token
	return token
}

// Cancel aborts an in-flight Trigger and disconnects from the broker.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel(errCancelled)
	}
	if a.client != nil {
		a.client.Disconnect()
		a.client = nil
	}
}

func (a *Adapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Disconnect()
		a.client = nil
	}
	a.cancel = nil
	a.busy = false
}
