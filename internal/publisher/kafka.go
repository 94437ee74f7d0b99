package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Option func(*KafkaPublisher)

// WithWriter replaces the kafka.Writer built from config.
func WithWriter(w MessageWriter) Option {
	return func(p *KafkaPublisher) { p.writer = w }
}

// KafkaPublisher streams rebuilt frames to a Kafka topic, keyed by symbol.
// Frames are latest-wins upstream, so a slow broker skips frames rather than
// queueing them.
type KafkaPublisher struct {
	cfg     appconfig.KafkaConfig
	frames  <-chan models.Frame
	writer  MessageWriter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	published atomic.Int64
	failed    atomic.Int64
}

func NewKafkaPublisher(cfg appconfig.KafkaConfig, frames <-chan models.Frame, opts ...Option) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = appconfig.DefaultKafkaWriteTimeout
	}

	p := &KafkaPublisher{
		cfg:    cfg,
		frames: frames,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.log.WithComponent("kafka_publisher").Info("kafka publisher started")
	return nil
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-p.frames:
			if !ok {
				return
			}
			p.publish(frame)
		}
	}
}

func (p *KafkaPublisher) publish(frame models.Frame) {
	log := p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"symbol": frame.Symbol,
		"seq":    frame.Seq,
	})

	data, err := json.Marshal(frame)
	if err != nil {
		p.failed.Add(1)
		log.WithError(err).Warn("failed to marshal frame")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(frame.Symbol),
		Value: data,
		Time:  frame.UpdatedAt,
	})
	if err != nil {
		p.failed.Add(1)
		if p.ctx.Err() == nil {
			log.WithError(err).Warn("failed to write frame")
		}
		metrics.EmitMetric(p.log, "kafka_publisher", "write_errors", p.failed.Load(), "counter", logger.Fields{"topic": p.cfg.Topic})
		return
	}

	p.published.Add(1)
	logger.LogPerformanceEntry(log, "kafka_publisher", "write_frame", time.Since(start), logger.Fields{"bytes": len(data)})
}

// Stats returns the number of frames written and failed so far.
func (p *KafkaPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Stop waits for an in-flight write and closes the writer.
func (p *KafkaPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("kafka_publisher").Debug("stopping kafka publisher")
	p.cancel()
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to close kafka writer")
	}

	published, failed := p.Stats()
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"published": published,
		"failed":    failed,
	}).Info("kafka publisher stopped")
}
