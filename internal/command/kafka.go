package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/dropsock/internal/config"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
)

// KafkaDrop is the wire format of drop requests received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "node-01",
//	  "context":    "default",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "pairs":      "10.0.0.1:41000 10.0.0.2:443\n"
//	}
type KafkaDrop struct {
	Version   string    `json:"version"`    // Protocol version ("v1")
	Target    string    `json:"target"`     // Node hostname or "*" for broadcast
	Context   string    `json:"context"`    // Empty = default context
	Timestamp time.Time `json:"timestamp"`  // When the request was issued
	RequestID string    `json:"request_id"` // Unique request ID for tracing
	Pairs     string    `json:"pairs"`      // Request text
}

const commitTimeout = 5 * time.Second

// dropper is the part of CommandHandler the consumer needs.
type dropper interface {
	Drop(ctx context.Context, kind string, params DropParams) (DropResult, error)
}

// messageReader is the subset of *kafka.Reader used by the consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDropConsumer consumes drop requests from Kafka. Each message is run as
// one session.
type KafkaDropConsumer struct {
	ccConfig config.CommandChannelConfig
	hostname string // local node hostname for target matching
	reader   messageReader
	handler  dropper
	ttl      time.Duration // stale-request rejection

	mu        sync.Mutex
	stopped   bool
	cancel    context.CancelFunc // ends the running Start loop
	done      chan struct{}      // closed when Start returns
	closeOnce sync.Once
}

// NewKafkaDropConsumer creates a consumer from the command channel config.
func NewKafkaDropConsumer(ccConfig config.CommandChannelConfig, hostname string, handler *CommandHandler) (*KafkaDropConsumer, error) {
	kc := ccConfig.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	ttl := ccConfig.CommandTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	default:
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        1 * time.Second,
	})

	return &KafkaDropConsumer{
		ccConfig: ccConfig,
		hostname: hostname,
		reader:   reader,
		handler:  handler,
		ttl:      ttl,
	}, nil
}

// Start consumes until ctx is cancelled or Stop is called. A message being
// processed when either happens is still run and committed.
func (c *KafkaDropConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	defer close(c.done)
	c.mu.Unlock()

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":  c.ccConfig.Kafka.Brokers,
		"topic":    c.ccConfig.Kafka.Topic,
		"group_id": c.ccConfig.Kafka.GroupID,
		"hostname": c.hostname,
		"ttl":      c.ttl.String(),
	}).Info("kafka drop consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.GetLogger().Info("kafka drop consumer stopped")
				return nil
			}
			log.GetLogger().WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
				continue
			}
		}

		// a fetched message runs to completion even if shutdown starts now
		runCtx := context.WithoutCancel(ctx)
		result := c.processMessage(runCtx, msg)
		metrics.CommandMessagesTotal.WithLabelValues(result).Inc()

		commitCtx, cancelCommit := context.WithTimeout(runCtx, commitTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			log.GetLogger().WithError(err).Error("failed to commit message")
		}
		cancelCommit()
	}
}

// processMessage runs one message and returns its metrics label.
func (c *KafkaDropConsumer) processMessage(ctx context.Context, msg kafka.Message) string {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var req KafkaDrop
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.WithError(err).Warn("failed to parse kafka drop request")
		return "invalid"
	}
	logger = logger.WithField("request_id", req.RequestID)

	if req.Target != "*" && req.Target != "" && req.Target != c.hostname {
		logger.WithField("target", req.Target).Debug("skipping request not targeting this node")
		return "skipped"
	}

	if !req.Timestamp.IsZero() && time.Since(req.Timestamp) > c.ttl {
		logger.WithFields(map[string]interface{}{
			"timestamp": req.Timestamp,
			"ttl":       c.ttl.String(),
		}).Warn("skipping stale request")
		return "stale"
	}

	res, err := c.handler.Drop(ctx, metrics.IntakeKafka, DropParams{Context: req.Context, Pairs: req.Pairs})
	if err != nil {
		logger.WithError(err).Warn("kafka drop request failed")
		return "failed"
	}
	logger.WithFields(map[string]interface{}{
		"session":  res.Session,
		"attempts": res.Attempts,
	}).Info("kafka drop request executed")
	return "executed"
}

// Stop ends a running Start loop, waits for the message in progress to be
// committed and closes the Kafka reader. It is safe to call more than once.
func (c *KafkaDropConsumer) Stop() error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	c.closeOnce.Do(func() {
		log.GetLogger().Info("closing kafka drop consumer")
		if cerr := c.reader.Close(); cerr != nil {
			err = fmt.Errorf("failed to close kafka reader: %w", cerr)
		}
	})
	return err
}
