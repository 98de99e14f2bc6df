package allocation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bfgsync/internal/model"
)

// MessageConn is an open platform message channel.
type MessageConn interface {
	// Next blocks until the next message arrives or the connection fails.
	Next() (model.ChannelMessage, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (MessageConn, error)
}

// MessageChannelURL is the message endpoint under the websocket base URL.
func MessageChannelURL(wsBase string) string {
	return strings.TrimRight(strings.TrimSpace(wsBase), "/") + "/message"
}

// WebsocketDialer connects to the message channel without verifying the
// server certificate; the channel only runs on the internal network.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebsocketDialer(logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // internal message channel
		},
		logger: logger,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (MessageConn, error) {
	conn, response, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("allocation: dial %s: http %d: %w", url, response.StatusCode, err)
		}
		return nil, fmt.Errorf("allocation: dial %s: %w", url, err)
	}
	d.logger.Debug("message channel open", "url", url)
	return &websocketConn{conn: conn, logger: d.logger}, nil
}

type websocketConn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (c *websocketConn) Next() (model.ChannelMessage, error) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return model.ChannelMessage{}, err
		}
		var message model.ChannelMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			c.logger.Warn("skipping undecodable channel message", "error", err, "bytes", len(payload))
			continue
		}
		return message, nil
	}
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
