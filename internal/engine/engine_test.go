package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/models"
)

type fakeFeed struct {
	opts    channel.Options
	resyncs atomic.Int32
	closed  atomic.Bool
}

func (f *fakeFeed) Resync() { f.resyncs.Add(1) }
func (f *fakeFeed) Close()  { f.closed.Store(true) }

// push delivers an envelope the way a live channel would, honouring the topic filter.
func (f *fakeFeed) push(topic string, data string) {
	if f.opts.Match != nil {
		if !f.opts.Match(topic) {
			return
		}
	} else if topic != f.opts.Topic {
		return
	}
	f.opts.OnMessage(models.Envelope{Topic: topic, Data: json.RawMessage(data)})
}

type fakeOpener struct {
	mu    sync.Mutex
	feeds map[string]*fakeFeed
	fail  map[string]error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{feeds: map[string]*fakeFeed{}, fail: map[string]error{}}
}

func (o *fakeOpener) open(opts channel.Options) (Feed, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[opts.Name]; err != nil {
		return nil, err
	}
	f := &fakeFeed{opts: opts}
	o.feeds[opts.Name] = f
	return f, nil
}

func (o *fakeOpener) feed(name string) *fakeFeed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feeds[name]
}

func testConfig() Config {
	return Config{
		Symbol:        "BTCPFC",
		OrderURL:      "ws://order.test",
		OrderTopic:    "update.BTCPFC",
		TradeURL:      "ws://trade.test",
		TradeTopic:    "trades.BTCPFC",
		TradeMatch:    []string{"tradeHistoryApi"},
		Depth:         2,
		MaxRawQuotes:  50,
		FrameInterval: time.Millisecond,
		FlashDuration: 1500 * time.Millisecond,
		MailboxBuffer: 16,
	}
}

func startEngine(t *testing.T) (*Engine, *fakeOpener) {
	t.Helper()
	return startEngineWith(t, testConfig())
}

func startEngineWith(t *testing.T, cfg Config) (*Engine, *fakeOpener) {
	t.Helper()
	opener := newFakeOpener()
	e := New(cfg, WithOpenFunc(opener.open))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, opener
}

func waitForFrame(t *testing.T, e *Engine, cond func(models.Frame) bool) models.Frame {
	t.Helper()
	var got models.Frame
	require.Eventually(t, func() bool {
		f, ok := e.Latest()
		if !ok || !cond(f) {
			return false
		}
		got = f
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func rowPrices(rows []*models.QuoteRow) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Price
	}
	return out
}

func TestEngineSnapshotProducesFrame(t *testing.T) {
	e, opener := startEngine(t)

	_, ok := e.Latest()
	assert.False(t, ok)

	opener.feed(feedOrder).push("update.BTCPFC",
		`{"type":"snapshot","seqNum":10,"prevSeqNum":9,"asks":[["100","2"],["101","3"]],"bids":[["99","1"],["98","4"]]}`)

	f := waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 10 })
	assert.Equal(t, "BTCPFC", f.Symbol)
	assert.Equal(t, "synced", f.State)
	assert.Equal(t, int64(1500), f.FlashMillis)
	assert.Equal(t, []float64{100, 101}, rowPrices(f.Sell))
	assert.Equal(t, []float64{99, 98}, rowPrices(f.Buy))
	assert.InDelta(t, 0.4, f.Sell[0].Percent, 1e-9)
	assert.InDelta(t, 1.0, f.Sell[1].Percent, 1e-9)
	assert.Equal(t, 5.0, f.Buy[1].Total)
}

func TestEngineIgnoresOtherTopics(t *testing.T) {
	e, opener := startEngine(t)

	opener.feed(feedOrder).push("update.ETHPFC",
		`{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["1","1"]],"bids":[]}`)

	time.Sleep(30 * time.Millisecond)
	_, ok := e.Latest()
	assert.False(t, ok)
}

func TestEngineDeltaUpdatesRows(t *testing.T) {
	e, opener := startEngine(t)
	order := opener.feed(feedOrder)

	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["100","2"]],"bids":[["99","1"]]}`)
	first := waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 1 })
	buyRow := first.Buy[0]

	order.push("update.BTCPFC", `{"type":"delta","seqNum":2,"prevSeqNum":1,"asks":[["100","5"]],"bids":[]}`)
	f := waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 2 })

	assert.Equal(t, 5.0, f.Sell[0].Size)
	assert.True(t, f.Sell[0].IsChanged)
	assert.Equal(t, models.SizeIncrease, f.Sell[0].SizeChange)
	assert.Same(t, buyRow, f.Buy[0], "unchanged row keeps its identity")
}

func TestEngineSequenceGapTriggersResync(t *testing.T) {
	e, opener := startEngine(t)
	order := opener.feed(feedOrder)

	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["100","2"]],"bids":[["99","1"]]}`)
	waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 1 })

	order.push("update.BTCPFC", `{"type":"delta","seqNum":6,"prevSeqNum":5,"asks":[["100","0"]],"bids":[]}`)
	require.Eventually(t, func() bool { return order.resyncs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// further deltas are ignored until a snapshot arrives, and do not re-trigger
	order.push("update.BTCPFC", `{"type":"delta","seqNum":7,"prevSeqNum":6,"asks":[["100","0"]],"bids":[]}`)
	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":20,"prevSeqNum":19,"asks":[["105","1"]],"bids":[["99","1"]]}`)

	f := waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 20 })
	assert.Equal(t, "synced", f.State)
	assert.Equal(t, 105.0, f.Sell[0].Price)
	assert.Equal(t, int32(1), order.resyncs.Load())
}

func TestEngineGapDiscardsStaleLevels(t *testing.T) {
	e, opener := startEngine(t)
	order := opener.feed(feedOrder)

	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["100","2"]],"bids":[["99","1"]]}`)
	waitForFrame(t, e, func(f models.Frame) bool { return f.State == "synced" })

	order.push("update.BTCPFC", `{"type":"delta","seqNum":6,"prevSeqNum":5,"asks":[],"bids":[]}`)
	f := waitForFrame(t, e, func(f models.Frame) bool { return f.State == "resync_pending" })
	for _, row := range append(f.Sell, f.Buy...) {
		assert.True(t, row.IsPlaceholder(), "stale level %v published during resync", row.Price)
	}

	// a trade during the resync must not bring the old levels back
	opener.feed(feedTrade).push("tradeHistoryApi", `[{"price":"100.5"}]`)
	f = waitForFrame(t, e, func(f models.Frame) bool { return f.Trade.Last == 100.5 })
	assert.Equal(t, "resync_pending", f.State)
	assert.True(t, f.Sell[0].IsPlaceholder())
}

func TestEngineResubscribesWhenSnapshotIsLost(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncAfterSkipped = 5
	e, opener := startEngineWith(t, cfg)
	order := opener.feed(feedOrder)

	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["100","2"]],"bids":[["99","1"]]}`)
	waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 1 })

	order.push("update.BTCPFC", `{"type":"delta","seqNum":6,"prevSeqNum":5,"asks":[],"bids":[]}`)
	require.Eventually(t, func() bool { return order.resyncs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the snapshot answering the resync never arrives; deltas keep flowing
	pushDeltas := func(from, n int) {
		for seq := from; seq < from+n; seq++ {
			order.push("update.BTCPFC", fmt.Sprintf(`{"type":"delta","seqNum":%d,"prevSeqNum":%d,"asks":[],"bids":[]}`, seq, seq-1))
		}
	}
	pushDeltas(7, 5)
	require.Eventually(t, func() bool { return order.resyncs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	pushDeltas(12, 4)
	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":30,"prevSeqNum":29,"asks":[["101","1"]],"bids":[["99","1"]]}`)

	f := waitForFrame(t, e, func(f models.Frame) bool { return f.Seq == 30 })
	assert.Equal(t, "synced", f.State)
	assert.Equal(t, 101.0, f.Sell[0].Price)
	assert.Equal(t, int32(2), order.resyncs.Load())
}

func TestEngineResubscribesWhenFirstSnapshotIsLost(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncAfterSkipped = 3
	_, opener := startEngineWith(t, cfg)
	order := opener.feed(feedOrder)

	for seq := 2; seq <= 4; seq++ {
		order.push("update.BTCPFC", fmt.Sprintf(`{"type":"delta","seqNum":%d,"prevSeqNum":%d,"asks":[],"bids":[]}`, seq, seq-1))
	}
	require.Eventually(t, func() bool { return order.resyncs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngineTradeUpdatesPrice(t *testing.T) {
	e, opener := startEngine(t)
	tr := opener.feed(feedTrade)

	tr.push("tradeHistoryApi", `[{"price":"42000.5"}]`)
	tr.push("tradeHistoryApi", `[{"price":42001}]`)
	tr.push("tradeHistoryApi", `[{"price":"bogus"}]`)
	tr.push("somethingElse", `[{"price":"1"}]`)

	require.Eventually(t, func() bool {
		return e.TradePrice().Last == 42001
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 42000.5, e.TradePrice().Previous)

	f := waitForFrame(t, e, func(f models.Frame) bool { return f.Trade.Last == 42001 })
	assert.Equal(t, "uninitialized", f.State)
	assert.Len(t, f.Sell, 2)
	assert.True(t, f.Sell[0].IsPlaceholder())
}

func TestEngineStartTwiceFails(t *testing.T) {
	e, _ := startEngine(t)
	assert.Error(t, e.Start(context.Background()))
}

func TestEngineStopClosesFeeds(t *testing.T) {
	opener := newFakeOpener()
	e := New(testConfig(), WithOpenFunc(opener.open))
	require.NoError(t, e.Start(context.Background()))

	order := opener.feed(feedOrder)
	e.Stop()

	assert.True(t, order.closed.Load())
	assert.True(t, opener.feed(feedTrade).closed.Load())

	// late messages are accepted by the mailbox but never rebuilt
	order.push("update.BTCPFC", `{"type":"snapshot","seqNum":1,"prevSeqNum":0,"asks":[["100","2"]],"bids":[]}`)
	time.Sleep(30 * time.Millisecond)
	_, ok := e.Latest()
	assert.False(t, ok)

	e.Stop()
}

func TestEngineStartClosesOrderFeedWhenTradeFails(t *testing.T) {
	opener := newFakeOpener()
	boom := errors.New("boom")
	opener.fail[feedTrade] = boom

	e := New(testConfig(), WithOpenFunc(opener.open))
	err := e.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.True(t, opener.feed(feedOrder).closed.Load())
}

func TestEngineMissingURL(t *testing.T) {
	cfg := testConfig()
	cfg.OrderURL = ""
	e := New(cfg)
	err := e.Start(context.Background())
	require.ErrorIs(t, err, channel.ErrMissingURL)
}

func TestConfigDefaults(t *testing.T) {
	e := New(Config{Symbol: "X"})
	assert.Equal(t, 8, e.cfg.Depth)
	assert.Equal(t, 50, e.cfg.MaxRawQuotes)
	assert.Equal(t, 100, e.cfg.ResyncAfterSkipped)
	assert.Greater(t, e.cfg.MailboxBuffer, 0)
}

func TestEngineEmitsStats(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Component != "engine" || m.Fields["symbol"] != "BTCPFC" {
			return
		}
		mu.Lock()
		seen[m.Name] = true
		mu.Unlock()
	})
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	cfg := testConfig()
	cfg.StatsInterval = 10 * time.Millisecond
	opener := newFakeOpener()
	e := New(cfg, WithOpenFunc(opener.open))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["rebuilds"] && seen["book_levels"] && seen["mailbox_length"]
	}, 2*time.Second, 5*time.Millisecond)
}
