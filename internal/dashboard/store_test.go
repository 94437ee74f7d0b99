package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bookflow/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "rebuilds", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3, logrus.InfoLevel)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "sequence gap"
	entry.Data = logrus.Fields{"component": "book", "symbol": "BTCPFC", "error": errors.New("out of sequence")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	rec := snapshot[0]
	if rec.Component != "book" || rec.Fields["symbol"] != "BTCPFC" {
		t.Fatalf("unexpected snapshot data: %#v", rec)
	}
	if rec.Fields["error"] != "out of sequence" {
		t.Fatalf("errors should be stored as strings, got %#v", rec.Fields["error"])
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatalf("component should not be duplicated in fields")
	}
}

func TestLogStoreLevels(t *testing.T) {
	store := newLogStore(3, logrus.WarnLevel)
	for _, l := range store.Levels() {
		if l > logrus.WarnLevel {
			t.Fatalf("level %s should not be captured", l)
		}
	}
	if len(store.Levels()) != 4 {
		t.Fatalf("expected panic, fatal, error and warn, got %v", store.Levels())
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2, logrus.InfoLevel)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}
	if snapshot[1].Fields["index"] != 3 {
		t.Fatalf("expected newest entry last, got %#v", snapshot[1])
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
