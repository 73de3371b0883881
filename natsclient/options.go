package natsclient

import (
	"log"
	"time"
)

// Logger is the minimal logging surface the client needs. The binary
// bridges this to slog; the default writes through the standard log
// package so the client is usable on its own.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) { log.Printf("[nats] "+format, v...) }
func (defaultLogger) Errorf(format string, v ...any) { log.Printf("[nats] error: "+format, v...) }
func (defaultLogger) Debugf(string, ...any)          {}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client) error

// WithName sets the connection name reported to the server. The feeder
// core names its bus and store connections separately so server-side
// monitoring can tell them apart.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger replaces the default standard-log logger.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithJetStream initializes a JetStream context on connect. Required
// for the client backing the KV document store.
func WithJetStream() ClientOption {
	return func(c *Client) error {
		c.jetstreamOn = true
		return nil
	}
}

// WithMaxReconnects caps the library-level reconnect attempts. -1
// keeps reconnecting forever, which is what the telemetry bus wants.
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the pause between library-level reconnect
// attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the connection is probed.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout bounds the initial connection attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithMessageTimeout bounds the context each Subscribe handler runs
// under.
func WithMessageTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.msgTimeout = d
		}
		return nil
	}
}

// WithReconnectCallback registers a hook fired after the library
// re-establishes a dropped connection. Subscriptions do not survive a
// reconnect, so subscribers use this to re-attach.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithDisconnectCallback registers a hook fired when the connection
// drops.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithHealthChangeCallback registers a hook fired whenever the
// connection moves between healthy and unhealthy. Used to drive the
// transport gauges.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS enables TLS. Cert and key must be given together; the CA
// file is optional.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		c.tlsEnabled = true
		return nil
	}
}
