// Package metrics registers the bookflow Prometheus collectors:
//
//	bookflow_messages_total{feed}
//	bookflow_reconnects_total{feed}
//	bookflow_reconnect_giveups_total{feed}
//	bookflow_parse_errors_total{feed}
//	bookflow_resyncs_total{symbol}
//	bookflow_rebuilds_total{symbol}
//	bookflow_mailbox_dropped_total{symbol}
//	bookflow_book_levels{symbol,side}
//
// plus the go_* and process_* collectors. Handler serves them for /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookflow/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	giveUps        *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	resyncs        *prometheus.CounterVec
	rebuilds       *prometheus.CounterVec
	mailboxDropped *prometheus.CounterVec
	bookLevels     *prometheus.GaugeVec
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
			registry.MustRegister(c)
			return c
		}

		messages = counter("bookflow_messages_total", "Feed messages delivered to handlers", "feed")
		reconnects = counter("bookflow_reconnects_total", "Reconnect attempts scheduled", "feed")
		giveUps = counter("bookflow_reconnect_giveups_total", "Channels that exhausted their reconnect budget", "feed")
		parseErrors = counter("bookflow_parse_errors_total", "Inbound frames that failed to parse", "feed")
		resyncs = counter("bookflow_resyncs_total", "Sequence gaps that forced a resubscribe", "symbol")
		rebuilds = counter("bookflow_rebuilds_total", "View model rebuilds", "symbol")
		mailboxDropped = counter("bookflow_mailbox_dropped_total", "Messages dropped because the engine mailbox was full", "symbol")

		bookLevels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookflow_book_levels",
			Help: "Price levels held per book side",
		}, []string{"symbol", "side"})
		registry.MustRegister(bookLevels)

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

func MessageDelivered(feed string, size int) {
	Init()
	messages.WithLabelValues(feed).Inc()
	logger.RecordStreamMessage(feed, size)
}

func ReconnectScheduled(feed string) {
	Init()
	reconnects.WithLabelValues(feed).Inc()
	logger.IncrementReconnect()
}

func ReconnectGaveUp(feed string) {
	Init()
	giveUps.WithLabelValues(feed).Inc()
}

func ParseError(feed string) {
	Init()
	parseErrors.WithLabelValues(feed).Inc()
}

func Resync(symbol string) {
	Init()
	resyncs.WithLabelValues(symbol).Inc()
	logger.IncrementResync()
}

func Rebuild(symbol string) {
	Init()
	rebuilds.WithLabelValues(symbol).Inc()
	logger.IncrementRebuild()
}

func MailboxDropped(symbol string) {
	Init()
	mailboxDropped.WithLabelValues(symbol).Inc()
}

func BookLevels(symbol, side string, n int) {
	Init()
	bookLevels.WithLabelValues(symbol, side).Set(float64(n))
}
