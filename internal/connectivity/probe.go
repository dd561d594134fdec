package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	DefaultPongTimeout = 60 * time.Second
	DefaultMaxBackoff  = 30 * time.Second

	writeWait = 10 * time.Second
)

// Probe keeps a websocket open to the server's heartbeat endpoint and turns
// its lifecycle into host signals: online while connected, offline once the
// read side fails or goes quiet for PongTimeout.
type Probe struct {
	URL         string
	Header      http.Header
	PongTimeout time.Duration
	MaxBackoff  time.Duration

	monitor *Monitor
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// HeartbeatURL converts the server base URL into its /ws/connectivity URL.
func HeartbeatURL(serverURL, agentID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/connectivity"
	if agentID != "" {
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func NewProbe(rawURL string, monitor *Monitor, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		URL:         rawURL,
		PongTimeout: DefaultPongTimeout,
		MaxBackoff:  DefaultMaxBackoff,
		monitor:     monitor,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff.
func (p *Probe) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, _, err := p.dialer.DialContext(ctx, p.URL, p.Header)
		if err == nil {
			b.Reset()
			p.monitor.Set(true)
			err = p.readLoop(ctx, conn)
		}

		p.monitor.Set(false)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		p.logger.Debug("connectivity probe disconnected", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Probe) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer func() {
		stop()
		conn.Close()
	}()

	extend := func() { conn.SetReadDeadline(time.Now().Add(p.PongTimeout)) }
	extend()

	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		extend()
	}
}
