package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/internal/scheduler"
	"bookflow/internal/trade"
	"bookflow/logger"
	"bookflow/models"
)

const (
	feedOrder = "order"
	feedTrade = "trade"
)

// Config is everything one engine instance needs.
type Config struct {
	Symbol string

	OrderURL   string
	OrderTopic string
	TradeURL   string
	TradeTopic string
	// TradeMatch lists the topics trade messages arrive on. Empty means TradeTopic.
	TradeMatch []string

	Depth          int
	MaxRawQuotes   int
	FrameInterval  time.Duration
	UpdateThrottle time.Duration
	FlashDuration  time.Duration

	// ResyncAfterSkipped bounds the deltas skipped while waiting for a
	// snapshot; past it the order feed is resubscribed again.
	ResyncAfterSkipped int

	MaxAttempts      int
	BaseDelay        time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	MailboxBuffer int
	// StatsInterval is how often the loop emits its own metrics. Zero disables it.
	StatsInterval time.Duration
}

// ConfigFrom maps the application configuration onto an engine Config.
func ConfigFrom(cfg *appconfig.Config) Config {
	symbol := cfg.Feeds.Order.Symbol
	return Config{
		Symbol:             symbol,
		OrderURL:           cfg.Feeds.Order.URL,
		OrderTopic:         cfg.Feeds.Order.Topic(),
		TradeURL:           cfg.Feeds.Trade.URL,
		TradeTopic:         cfg.Feeds.Trade.Topic(symbol),
		TradeMatch:         cfg.Feeds.Trade.MatchTopics,
		Depth:              cfg.Book.Depth,
		MaxRawQuotes:       cfg.Book.MaxRawQuotes,
		FrameInterval:      cfg.Book.FrameInterval,
		UpdateThrottle:     cfg.Book.UpdateThrottle,
		FlashDuration:      cfg.Book.FlashDuration,
		ResyncAfterSkipped: cfg.Book.ResyncAfterSkipped,
		MaxAttempts:        cfg.Reconnect.MaxAttempts,
		BaseDelay:          cfg.Reconnect.BaseDelay,
		KeepAlive:          cfg.Reconnect.KeepAlive,
		HandshakeTimeout:   cfg.Reconnect.HandshakeTimeout,
		MailboxBuffer:      cfg.Channels.MailboxBuffer,
		StatsInterval:      cfg.Metrics.ReportInterval,
	}
}

// Feed is an open subscription.
type Feed interface {
	Resync()
	Close()
}

// OpenFunc opens a feed. channel.Open is used unless overridden.
type OpenFunc func(channel.Options) (Feed, error)

func openChannel(opts channel.Options) (Feed, error) {
	ch, err := channel.Open(opts)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type Option func(*Engine)

func WithOpenFunc(open OpenFunc) Option {
	return func(e *Engine) { e.open = open }
}

func WithLogger(log *logger.Log) Option {
	return func(e *Engine) { e.log = log }
}

// Engine maintains the order book view and last trade for one instrument.
// A single loop goroutine owns the book; feeds and timers only post to it.
type Engine struct {
	cfg     Config
	log     *logger.Log
	open    OpenFunc
	session string

	book    *book.Book
	tracker *trade.Tracker
	sched   *scheduler.Scheduler

	orders  *channel.Mailbox[models.Envelope]
	trades  *channel.Mailbox[models.Envelope]
	rebuild chan struct{}
	frames  chan models.Frame
	latest  atomic.Pointer[models.Frame]

	orderFeed Feed
	tradeFeed Feed

	prevSell []*models.QuoteRow
	prevBuy  []*models.QuoteRow
	rebuilds int64
	resyncs  int64
	skipped  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.Depth <= 0 {
		cfg.Depth = appconfig.DefaultDepth
	}
	if cfg.MaxRawQuotes <= 0 {
		cfg.MaxRawQuotes = appconfig.DefaultMaxRawQuotes
	}
	if cfg.ResyncAfterSkipped <= 0 {
		cfg.ResyncAfterSkipped = appconfig.DefaultResyncAfterSkipped
	}
	if cfg.MailboxBuffer <= 0 {
		cfg.MailboxBuffer = appconfig.DefaultMailboxBuffer
	}

	e := &Engine{
		cfg:     cfg,
		log:     logger.GetLogger(),
		open:    openChannel,
		session: uuid.NewString(),
		book:    book.New(cfg.MaxRawQuotes),
		tracker: trade.NewTracker(),
		rebuild: make(chan struct{}, 1),
		frames:  make(chan models.Frame, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) entry() *logger.Entry {
	return e.log.WithComponent("engine").WithFields(logger.Fields{
		"symbol":  e.cfg.Symbol,
		"session": e.session,
	})
}

// Start opens both feeds and the event loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine for %s already running", e.cfg.Symbol)
	}

	dropped := func() { metrics.MailboxDropped(e.cfg.Symbol) }
	e.orders = channel.NewMailbox[models.Envelope](feedOrder+"."+e.cfg.Symbol, e.cfg.MailboxBuffer, dropped)
	e.trades = channel.NewMailbox[models.Envelope](feedTrade+"."+e.cfg.Symbol, e.cfg.MailboxBuffer, dropped)

	loopCtx, cancel := context.WithCancel(ctx)

	e.sched = scheduler.New(scheduler.Options{
		Frame:    e.cfg.FrameInterval,
		Throttle: e.cfg.UpdateThrottle,
		Run:      e.requestRebuild,
	})

	orderFeed, err := e.open(e.channelOptions(loopCtx, feedOrder, e.cfg.OrderURL, e.cfg.OrderTopic, nil, e.orders))
	if err != nil {
		cancel()
		return fmt.Errorf("open order feed: %w", err)
	}

	var match func(string) bool
	if len(e.cfg.TradeMatch) > 0 {
		match = channel.MatchAny(e.cfg.TradeMatch...)
	}
	tradeFeed, err := e.open(e.channelOptions(loopCtx, feedTrade, e.cfg.TradeURL, e.cfg.TradeTopic, match, e.trades))
	if err != nil {
		orderFeed.Close()
		cancel()
		return fmt.Errorf("open trade feed: %w", err)
	}

	e.orderFeed = orderFeed
	e.tradeFeed = tradeFeed
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.loop(loopCtx)

	e.entry().WithFields(logger.Fields{
		"order_topic": e.cfg.OrderTopic,
		"trade_topic": e.cfg.TradeTopic,
		"depth":       e.cfg.Depth,
	}).Info("engine started")
	return nil
}

func (e *Engine) channelOptions(ctx context.Context, name, url, topic string, match func(string) bool, mb *channel.Mailbox[models.Envelope]) channel.Options {
	return channel.Options{
		Name:        name,
		URL:         url,
		Topic:       topic,
		Match:       match,
		OnMessage:   func(env models.Envelope) { mb.Send(ctx, env) },
		MaxAttempts: e.cfg.MaxAttempts,
		BaseDelay:   e.cfg.BaseDelay,
		KeepAlive:   e.cfg.KeepAlive,
		Dialer:      channel.WSDialer{HandshakeTimeout: e.cfg.HandshakeTimeout},
		Log:         e.log,
	}
}

// Stop tears the engine down. No rebuild runs and no frame is published
// after Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.entry().Info("stopping engine")

	e.sched.Stop()
	e.orderFeed.Close()
	e.tradeFeed.Close()
	e.cancel()
	e.wg.Wait()

	e.entry().Info("engine stopped")
}

// Latest returns the most recent frame, or false before the first rebuild.
func (e *Engine) Latest() (models.Frame, bool) {
	f := e.latest.Load()
	if f == nil {
		return models.Frame{}, false
	}
	return *f, true
}

// Frames delivers rebuilt frames. Only the newest unread frame is kept.
func (e *Engine) Frames() <-chan models.Frame {
	return e.frames
}

func (e *Engine) TradePrice() models.TradePrice {
	return e.tracker.Price()
}

func (e *Engine) Symbol() string {
	return e.cfg.Symbol
}

func (e *Engine) requestRebuild() {
	select {
	case e.rebuild <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	defer e.book.Reset()

	var stats <-chan time.Time
	if e.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(e.cfg.StatsInterval)
		defer ticker.Stop()
		stats = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats:
			e.emitStats()
		case env := <-e.orders.C:
			e.handleOrder(env)
		case env := <-e.trades.C:
			e.handleTrade(env)
		case <-e.rebuild:
			if ctx.Err() != nil {
				return
			}
			e.rebuildView()
		}
	}
}

func (e *Engine) handleOrder(env models.Envelope) {
	var data models.BookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		e.entry().WithError(err).Warn("dropping malformed order book message")
		return
	}

	err := e.book.Apply(data)
	switch {
	case err == nil:
		e.skipped = 0
	case errors.Is(err, book.ErrOutOfSequence):
		e.log.WithComponent("book").WithError(err).WithFields(logger.Fields{
			"symbol":   e.cfg.Symbol,
			"last_seq": e.book.LastSeq(),
		}).Warn("sequence gap; resubscribing for a fresh snapshot")
		e.resync()
		return
	case errors.Is(err, book.ErrResyncPending), errors.Is(err, book.ErrNotSynced):
		e.skipped++
		if e.skipped < e.cfg.ResyncAfterSkipped {
			e.entry().WithField("seq", data.SeqNum).Debug("waiting for snapshot; delta skipped")
			return
		}
		e.log.WithComponent("book").WithFields(logger.Fields{
			"symbol":  e.cfg.Symbol,
			"state":   e.book.State().String(),
			"skipped": e.skipped,
		}).Warn("no snapshot received; resubscribing again")
		e.resync()
		return
	default:
		e.entry().WithError(err).Warn("dropping order book message")
		return
	}

	if data.IsSnapshot() {
		e.entry().WithFields(logger.Fields{
			"seq":  data.SeqNum,
			"asks": e.book.Sell().Len(),
			"bids": e.book.Buy().Len(),
		}).Info("order book snapshot applied")
	}
	metrics.BookLevels(e.cfg.Symbol, string(models.SideSell), e.book.Sell().Len())
	metrics.BookLevels(e.cfg.Symbol, string(models.SideBuy), e.book.Buy().Len())
	e.sched.Schedule()
}

// resync drops the stale levels and asks the order feed for a fresh snapshot.
// The rebuild publishes the emptied book with its resync_pending state.
func (e *Engine) resync() {
	e.book.Discard()
	e.skipped = 0
	metrics.Resync(e.cfg.Symbol)
	e.resyncs++
	e.orderFeed.Resync()
	e.sched.Schedule()
}

func (e *Engine) handleTrade(env models.Envelope) {
	if !e.tracker.Apply(env.Data) {
		e.log.WithComponent("trade").WithField("symbol", e.cfg.Symbol).Debug("ignoring trade without a valid price")
		return
	}
	e.sched.Schedule()
}

func (e *Engine) rebuildView() {
	start := time.Now()

	sell, buy := e.book.View(e.prevSell, e.prevBuy, e.cfg.Depth)
	e.prevSell, e.prevBuy = sell, buy

	frame := models.Frame{
		Symbol:      e.cfg.Symbol,
		Sell:        sell,
		Buy:         buy,
		Trade:       e.tracker.Price(),
		Seq:         e.book.LastSeq(),
		State:       e.book.State().String(),
		FlashMillis: e.cfg.FlashDuration.Milliseconds(),
		UpdatedAt:   time.Now().UTC(),
	}
	e.latest.Store(&frame)

	select {
	case <-e.frames:
	default:
	}
	select {
	case e.frames <- frame:
	default:
	}

	metrics.Rebuild(e.cfg.Symbol)
	e.rebuilds++
	logger.LogPerformanceEntry(e.entry(), "engine", "rebuild", time.Since(start), logger.Fields{"seq": frame.Seq})
}

// emitStats runs on the loop goroutine, so it may read the book directly.
func (e *Engine) emitStats() {
	fields := logger.Fields{"symbol": e.cfg.Symbol}
	with := func(extra logger.Fields) logger.Fields {
		out := logger.Fields{}
		for k, v := range fields {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	orders, trades := e.orders.Stats(), e.trades.Stats()
	metrics.EmitMetric(e.log, "engine", "rebuilds", e.rebuilds, "counter", fields)
	metrics.EmitMetric(e.log, "engine", "resyncs", e.resyncs, "counter", fields)
	metrics.EmitMetric(e.log, "engine", "last_seq", e.book.LastSeq(), "gauge", with(logger.Fields{"state": e.book.State().String()}))
	metrics.EmitMetric(e.log, "engine", "book_levels", e.book.Sell().Len(), "gauge", with(logger.Fields{"side": string(models.SideSell)}))
	metrics.EmitMetric(e.log, "engine", "book_levels", e.book.Buy().Len(), "gauge", with(logger.Fields{"side": string(models.SideBuy)}))
	metrics.EmitMetric(e.log, "engine", "mailbox_length", e.orders.Len(), "gauge", with(logger.Fields{"feed": feedOrder, "capacity": e.orders.Cap()}))
	metrics.EmitMetric(e.log, "engine", "mailbox_length", e.trades.Len(), "gauge", with(logger.Fields{"feed": feedTrade, "capacity": e.trades.Cap()}))
	metrics.EmitMetric(e.log, "engine", "mailbox_dropped", orders.Dropped+trades.Dropped, "counter", fields)
}
