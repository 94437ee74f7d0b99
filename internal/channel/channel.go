package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	pingWriteTimeout   = time.Second
)

// ErrMissingURL is returned by Open when no endpoint is configured.
var ErrMissingURL = errors.New("channel: websocket url is required")

// Options configures a Channel.
type Options struct {
	// Name labels logs and metrics, e.g. "order" or "trade".
	Name  string
	URL   string
	Topic string
	// Match decides delivery by topic. When nil the topic must equal Topic.
	Match func(topic string) bool
	// OnMessage runs on the channel's read goroutine and must not block.
	OnMessage func(models.Envelope)

	// MaxAttempts caps scheduled reconnects per outage; zero selects 5.
	MaxAttempts int
	BaseDelay   time.Duration
	KeepAlive   time.Duration

	Dialer    Dialer
	AfterFunc AfterFunc
	Log       *logger.Log
}

// Channel keeps one subscription alive over a websocket, reconnecting with
// exponential backoff until MaxAttempts consecutive failures.
type Channel struct {
	opts Options
	log  *logger.Entry

	mu       sync.Mutex
	attempts int
	closed   bool
	gen      uint64
	timer    Timer
	conn     Conn
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// Open validates opts and starts connecting in the background.
func Open(opts Options) (*Channel, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	if opts.Name == "" {
		opts.Name = opts.Topic
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}

	c := &Channel{
		opts: opts,
		log: opts.Log.WithComponent(opts.Name + "_channel").WithFields(logger.Fields{
			"url":   opts.URL,
			"topic": opts.Topic,
		}),
	}
	c.connect()
	return c, nil
}

// Attempts reports consecutive failed connection attempts since the last open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Close stops reconnecting and closes the live connection. It is idempotent
// and waits for the read goroutine, so it must not be called from OnMessage.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info("channel closed")
}

// Resync drops the current connection and reconnects at once without
// touching the backoff budget. The fresh subscription yields a new snapshot.
func (c *Channel) Resync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	c.log.Warn("resubscribing")
	c.connect()
}

// teardownLocked cancels the pending timer and the live session. c.mu must be held.
func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.session(ctx, gen)
}

func (c *Channel) session(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	log := c.log.WithField("conn_id", uuid.NewString())

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("failed to connect websocket")
			c.fail(gen)
		}
		return
	}

	if !c.attach(gen, conn) {
		conn.Close()
		return
	}

	if err := conn.WriteJSON(models.NewSubscribe(c.opts.Topic)); err != nil {
		log.WithError(err).Warn("failed to send subscribe request")
		c.detach(gen, conn)
		if ctx.Err() == nil {
			c.fail(gen)
		}
		return
	}
	log.Info("websocket connected and subscribed")

	stopPing := c.startPing(ctx, conn, log)
	err = c.readMessages(conn)
	stopPing()
	c.detach(gen, conn)

	if ctx.Err() != nil {
		return
	}
	log.WithError(err).Warn("websocket read loop ended")
	c.fail(gen)
}

// attach publishes conn as the live connection and resets the backoff budget.
func (c *Channel) attach(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return false
	}
	c.conn = conn
	c.attempts = 0
	return true
}

func (c *Channel) detach(gen uint64, conn Conn) {
	c.mu.Lock()
	if gen == c.gen && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// fail schedules the next attempt after BaseDelay*2^attempts, or goes idle
// once MaxAttempts have been used.
func (c *Channel) fail(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.timer != nil {
		return
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.log.WithField("attempts", c.attempts).Warn("reconnect attempts exhausted; channel idle")
		metrics.ReconnectGaveUp(c.opts.Name)
		return
	}
	delay := c.opts.BaseDelay << uint(c.attempts)
	c.attempts++
	c.log.WithFields(logger.Fields{"attempt": c.attempts, "delay": delay.String()}).Info("scheduling reconnect")
	metrics.ReconnectScheduled(c.opts.Name)
	c.timer = c.opts.AfterFunc(delay, c.connect)
}

func (c *Channel) readMessages(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.ParseError(c.opts.Name)
			return fmt.Errorf("parse message (%d bytes): %w", len(data), err)
		}

		if !c.matches(env.Topic) || !env.HasData() {
			continue
		}
		metrics.MessageDelivered(c.opts.Name, len(data))
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}

func (c *Channel) matches(topic string) bool {
	if c.opts.Match != nil {
		return c.opts.Match(topic)
	}
	return topic == c.opts.Topic
}

// startPing sends a ping every KeepAlive; a failed ping closes conn so the
// read loop ends like any other transport error.
func (c *Channel) startPing(ctx context.Context, conn Conn, log *logger.Entry) func() {
	if c.opts.KeepAlive <= 0 {
		return func() {}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(c.opts.KeepAlive)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}

// MatchAny returns a predicate accepting any of topics.
func MatchAny(topics ...string) func(string) bool {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return func(topic string) bool {
		_, ok := set[topic]
		return ok
	}
}
