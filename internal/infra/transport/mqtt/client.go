package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler receives a status message payload. Retained messages are
// flagged so callers can ignore stale state.
type MessageHandler func(payload []byte, retained bool)

// Client is the subset of an MQTT session the adapter needs.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect()
}

// ClientOptions describe one broker session.
type ClientOptions struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
}

// ClientFactory builds a Client for one trigger.
type ClientFactory func(opts ClientOptions) Client

// disconnectQuiesce is how long paho waits for in-flight work on disconnect.
const disconnectQuiesce = 250 // milliseconds

type pahoClient struct{ c paho.Client }

// NewPahoClient creates a Client backed by eclipse/paho.mqtt.golang. The
// session is clean and never reconnects on its own.
func NewPahoClient(o ClientOptions) Client {
	opts := paho.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.TLSConfig != nil {
		opts.SetTLSConfig(o.TLSConfig)
	}
	return &pahoClient{c: paho.NewClient(opts)}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, p.c.Connect())
}

func (p *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	return wait(ctx, p.c.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Payload(), m.Retained())
	}))
}

func (p *pahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return wait(ctx, p.c.Publish(topic, qos, false, payload))
}

func (p *pahoClient) Disconnect() { p.c.Disconnect(disconnectQuiesce) }

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt token: %w", ctx.Err())
	}
}

// BrokerURL derives the broker URL for a host and port: websockets when
// wsPath is set, TLS when secure.
func BrokerURL(host string, port int, secure bool, wsPath string) string {
	scheme := "tcp"
	switch {
	case wsPath != "" && secure:
		scheme = "wss"
	case wsPath != "":
		scheme = "ws"
	case secure:
		scheme = "ssl"
	}

	url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
	if wsPath != "" {
		if wsPath[0] != '/' {
			wsPath = "/" + wsPath
		}
		url += wsPath
	}
	return url
}
