package mb

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// reconnectDelay is how long Connection waits before retrying a dial after
// an unexpected disconnect, matching the reconnect cadence used by the
// pack's AMQP session helper.
const reconnectDelay = 3 * time.Second

// Connection manages a single AMQP TCP connection with automatic
// reconnection, modeled on the session/reconnect loop pattern used across
// the example pack's AMQP clients: a background goroutine watches the
// connection's close notification and redials until ctx is canceled.
type Connection struct {
	url string

	mu   sync.RWMutex
	conn *amqp.Connection

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

// Dial opens a Connection and starts its reconnect-supervising goroutine.
func Dial(url string) (*Connection, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{url: url, ctx: ctx, cancel: cancel, ready: make(chan struct{})}
	if err := c.connect(); err != nil {
		cancel()
		return nil, err
	}
	go c.superviseLoop()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	log.Info().Msg("mb: connected to broker")
	return nil
}

func (c *Connection) superviseLoop() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-notifyClose:
			if !ok || c.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("mb: connection lost, reconnecting")
			for {
				if c.ctx.Err() != nil {
					return
				}
				if derr := c.connect(); derr != nil {
					log.Warn().Err(derr).Msg("mb: reconnect attempt failed")
					time.Sleep(reconnectDelay)
					continue
				}
				break
			}
		}
	}
}

// Channel opens a fresh AMQP channel on the current connection. Callers
// that need to survive a reconnect (publishers, consumers) should call
// Channel again after observing a channel-close notification rather than
// caching it indefinitely.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, amqp.ErrClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		metrics.MBPublishTotal.WithLabelValues("", "channel_open_error").Inc()
		return nil, err
	}
	return ch, nil
}

// Close shuts down the supervising goroutine and the underlying connection.
func (c *Connection) Close() error {
	c.cancel()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
