package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "bookflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("engine").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, data)
	}
	if line["message"] != "hello" || line["component"] != "engine" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnCountsByStream(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := Snapshot()
	log.WithComponent("trade_channel").Warn("x")
	log.WithComponent("order_channel").Warn("x")
	log.WithComponent("book").Error("x")
	after := Snapshot()

	if after.WarnsTrade-before.WarnsTrade != 1 {
		t.Errorf("trade warns: got %d", after.WarnsTrade-before.WarnsTrade)
	}
	if after.WarnsOrder-before.WarnsOrder != 1 {
		t.Errorf("order warns: got %d", after.WarnsOrder-before.WarnsOrder)
	}
	if after.ErrorsOrder-before.ErrorsOrder != 1 {
		t.Errorf("order errors: got %d", after.ErrorsOrder-before.ErrorsOrder)
	}
}

func TestRecordStreamMessage(t *testing.T) {
	RecordStreamMessage("test_stream", 10)
	RecordStreamMessage("test_stream", 5)

	s := Snapshot()
	st, ok := s.Streams["test_stream"]
	if !ok {
		t.Fatalf("stream missing from snapshot")
	}
	if st["messages"] != 2 || st["bytes"] != 15 {
		t.Fatalf("unexpected stream stats: %v", st)
	}
}

type fakePublisher struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishesNumericValues(t *testing.T) {
	fake := &fakePublisher{}
	cwMu.Lock()
	prev := cwClient
	cwClient = fake
	cwMu.Unlock()
	t.Cleanup(func() {
		cwMu.Lock()
		cwClient = prev
		cwMu.Unlock()
	})

	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.LogMetric("engine", "rebuilds", 3, "counter", Fields{"symbol": "BTCPFC"})
	log.LogMetric("engine", "state", "synced", "gauge", nil)

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one publish, got %d", len(fake.inputs))
	}
	datum := fake.inputs[0].MetricData[0]
	if *datum.MetricName != "rebuilds" || *datum.Value != 3 {
		t.Fatalf("unexpected datum: %+v", datum)
	}
	if len(datum.Dimensions) != 2 {
		t.Fatalf("expected component and symbol dimensions, got %d", len(datum.Dimensions))
	}
}
