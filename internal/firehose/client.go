// Package firehose consumes the Bluesky Jetstream WebSocket feed and turns
// its commit events into hose.EventRecord ingest batches.
package firehose

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/hosetrack/hosetrack/internal/apperr"
	"github.com/hosetrack/hosetrack/internal/logging"
)

// DefaultEndpoints are the public Jetstream instances tried in order on
// every (re)connect attempt.
var DefaultEndpoints = []string{
	"wss://jetstream2.fr.hose.cam/subscribe",
	"wss://jetstream.fire.hose.cam/subscribe",
	"wss://jetstream1.us-west.bsky.network/subscribe",
	"wss://jetstream2.us-west.bsky.network/subscribe",
}

// Client maintains a single WebSocket connection to one of a list of
// candidate Jetstream endpoints, reconnecting with exponential backoff on
// any read error.
type Client struct {
	urls   []string
	logger logging.Logger
	dialer *websocket.Dialer

	conn *websocket.Conn
}

// NewClient builds a Client that tries each of urls in order on connect.
// A nil logger is replaced by a WARN-level stderr logger.
func NewClient(urls []string, logger logging.Logger) *Client {
	return &Client{
		urls:   urls,
		logger: logging.OrDefault(logger),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// connect tries every candidate URL in order, keeping the first that
// accepts the handshake.
func (c *Client) connect(ctx context.Context) error {
	var lastErr error
	for _, url := range c.urls {
		conn, _, err := c.dialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			c.logger.Errorf(logging.NSIngest+"failed to connect to jetstream %s: %v", url, err)
			lastErr = err
			continue
		}
		c.conn = conn
		c.logger.Infof(logging.NSIngest+"connected to jetstream %s", url)
		return nil
	}
	return apperr.Wrap(fmt.Errorf("firehose: failed to connect to any jetstream endpoint: %w", lastErr), apperr.KindUpstream)
}

// Run connects and feeds decoded events to handle until ctx is cancelled,
// handle returns an error, or reconnection attempts are exhausted. A
// connection drop or unreadable message triggers reconnection with
// exponential backoff (1s initial, 64s cap, 5 minute overall ceiling)
// before giving up for good.
func (c *Client) Run(ctx context.Context, handle func(Event) error) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.closeConn()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 64 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(err, apperr.KindCancelled)
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Errorf(logging.NSIngest+"jetstream connection errored: %v", err)
			if err := c.reconnect(ctx, bo); err != nil {
				return err
			}
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warnf(logging.NSIngest+"dropping unparseable jetstream message: %v", err)
			continue
		}
		bo.Reset()

		if err := handle(ev); err != nil {
			return err
		}
	}
}

// reconnect retries connect with exponential backoff until it succeeds, ctx
// is cancelled, or bo's overall elapsed-time ceiling is exceeded.
func (c *Client) reconnect(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	c.closeConn()
	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return apperr.Wrap(fmt.Errorf("firehose: jetstream connection timed out"), apperr.KindUpstream)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(ctx.Err(), apperr.KindCancelled)
		case <-time.After(wait):
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Errorf(logging.NSIngest+"couldn't retry jetstream connection: %v", err)
			continue
		}
		return nil
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
