package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsOrder int64
	errorsTrade int64
	warnsOrder  int64
	warnsTrade  int64
	reconnects  int64
	resyncs     int64
	rebuilds    int64
	streams     sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "trade"):
		atomic.AddInt64(&warnsTrade, 1)
	case strings.Contains(component, "order"), strings.Contains(component, "book"):
		atomic.AddInt64(&warnsOrder, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "trade"):
		atomic.AddInt64(&errorsTrade, 1)
	case strings.Contains(component, "order"), strings.Contains(component, "book"):
		atomic.AddInt64(&errorsOrder, 1)
	}
}

// RecordStreamMessage counts one inbound frame of size bytes on the named stream.
func RecordStreamMessage(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

func IncrementReconnect() { atomic.AddInt64(&reconnects, 1) }

func IncrementResync() { atomic.AddInt64(&resyncs, 1) }

func IncrementRebuild() { atomic.AddInt64(&rebuilds, 1) }

// ReportSnapshot is the set of counters emitted by each runtime report.
type ReportSnapshot struct {
	ErrorsOrder int64
	ErrorsTrade int64
	WarnsOrder  int64
	WarnsTrade  int64
	Reconnects  int64
	Resyncs     int64
	Rebuilds    int64
	Goroutines  int
	Streams     map[string]map[string]int64
}

// Snapshot reads the current counters.
func Snapshot() ReportSnapshot {
	s := ReportSnapshot{
		ErrorsOrder: atomic.LoadInt64(&errorsOrder),
		ErrorsTrade: atomic.LoadInt64(&errorsTrade),
		WarnsOrder:  atomic.LoadInt64(&warnsOrder),
		WarnsTrade:  atomic.LoadInt64(&warnsTrade),
		Reconnects:  atomic.LoadInt64(&reconnects),
		Resyncs:     atomic.LoadInt64(&resyncs),
		Rebuilds:    atomic.LoadInt64(&rebuilds),
		Goroutines:  runtime.NumGoroutine(),
		Streams:     map[string]map[string]int64{},
	}
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		s.Streams[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&st.messages),
			"bytes":    atomic.LoadInt64(&st.bytes),
		}
		return true
	})
	return s
}

// StartReport logs (and publishes, when CloudWatch is on) a runtime report every interval
// until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	s := Snapshot()

	log.WithComponent("report").WithFields(Fields{
		"errors_order": s.ErrorsOrder,
		"errors_trade": s.ErrorsTrade,
		"warns_order":  s.WarnsOrder,
		"warns_trade":  s.WarnsTrade,
		"reconnects":   s.Reconnects,
		"resyncs":      s.Resyncs,
		"rebuilds":     s.Rebuilds,
		"goroutines":   s.Goroutines,
		"streams":      s.Streams,
	}).Info("runtime report")

	publishMetrics(ctx, reportData(s))
}

func reportData(s ReportSnapshot) []cwtypes.MetricDatum {
	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		count("ErrorsOrder", s.ErrorsOrder),
		count("ErrorsTrade", s.ErrorsTrade),
		count("WarnsOrder", s.WarnsOrder),
		count("WarnsTrade", s.WarnsTrade),
		count("Reconnects", s.Reconnects),
		count("Resyncs", s.Resyncs),
		count("Rebuilds", s.Rebuilds),
		count("Goroutines", int64(s.Goroutines)),
	}

	names := make([]string, 0, len(s.Streams))
	for name := range s.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(s.Streams[name]["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: dims,
				Value:      aws.Float64(float64(s.Streams[name]["bytes"])),
			},
		)
	}
	return data
}
