// Package realtime consumes the chat event stream over a websocket and
// forwards channel events to the reconciliation layer. The consumer
// owns the connection lifecycle: keepalive pings, reconnection with
// incremental backoff, and clean shutdown.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 10 * time.Second
	reconnectStep    = time.Second
	reconnectCeiling = 30 * time.Second
)

// Handler receives one channel event. A nil message means the channel
// was touched without a preview and the record should be refetched.
type Handler func(channelID string, message *models.ChatMessage)

// TokenProvider supplies the access token attached to the stream
// subscription.
type TokenProvider interface {
	AccessToken() string
}

// eventFrame is the wire shape of one stream event.
type eventFrame struct {
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	Message   *struct {
		Text      string `json:"text"`
		Author    string `json:"author"`
		Timestamp int64  `json:"timestamp"`
		IsDraft   bool   `json:"is_draft"`
	} `json:"message"`
}

// Consumer maintains the event stream subscription.
type Consumer struct {
	url     string
	tokens  TokenProvider
	handler Handler
	dialer  *websocket.Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a Consumer for the stream at url.
func NewConsumer(url string, tokens TokenProvider, handler Handler) *Consumer {
	return &Consumer{
		url:     url,
		tokens:  tokens,
		handler: handler,
		dialer:  websocket.DefaultDialer,
	}
}

// Start begins consuming on a background goroutine. It returns
// immediately; connection failures are retried with incremental
// backoff until Stop or context cancellation.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
}

// Stop closes the stream and waits for the consumer goroutine to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// run is the reconnect loop. Each failed session widens the delay by
// one step up to the ceiling; a successful session resets it.
func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := time.Duration(0)
	for {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		delay += reconnectStep
		if delay > reconnectCeiling {
			delay = reconnectCeiling
		}
		logging.Warn("Event stream disconnected, reconnecting",
			map[string]interface{}{
				"error":   errString(err),
				"retryIn": delay.String(),
			})
	}
}

// session runs one connected stream session until it fails or the
// context is cancelled.
func (c *Consumer) session(ctx context.Context) error {
	header := map[string][]string{}
	if c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			header["Authorization"] = []string{"Bearer " + token}
		}
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Info("Event stream connected", map[string]interface{}{"url": c.url})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Keepalive pings run beside the read loop; a cancelled context
	// closes the connection, which unblocks ReadMessage.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.keepalive(ctx, conn, pingDone)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(payload)
	}
}

// keepalive sends pings until the session ends or ctx is cancelled.
func (c *Consumer) keepalive(ctx context.Context, conn *websocket.Conn, sessionDone chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		case <-sessionDone:
			return
		}
	}
}

// dispatch decodes one frame and hands it to the handler. Malformed
// frames are dropped. A channel-cleared frame becomes an empty draft,
// which discards any pending draft downstream; a message frame without
// a preview is forwarded with a nil message so the record gets
// refetched.
func (c *Consumer) dispatch(payload []byte) {
	var frame eventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		logging.Warn("Dropping undecodable stream frame",
			map[string]interface{}{"error": err.Error()})
		return
	}
	if frame.ChannelID == "" {
		return
	}

	if frame.Kind == "empty" {
		c.handler(frame.ChannelID, &models.ChatMessage{IsDraft: true})
		return
	}

	var message *models.ChatMessage
	if frame.Message != nil {
		message = &models.ChatMessage{
			Text:      frame.Message.Text,
			Author:    frame.Message.Author,
			Timestamp: frame.Message.Timestamp,
			IsDraft:   frame.Message.IsDraft,
		}
	}

	c.handler(frame.ChannelID, message)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
