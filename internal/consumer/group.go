package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// GroupConfig identifies a consumer group. StartOffset applies only when the group has no
// committed offset yet: kafka.FirstOffset replays history, kafka.LastOffset sees only new records.
type GroupConfig struct {
	Brokers     []string
	GroupID     string
	StartOffset int64
}

// NewReader builds a consumer-group reader for one topic. Offsets are committed
// asynchronously once a second.
func NewReader(cfg GroupConfig, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           topic,
		MinBytes:        1,
		MaxBytes:        10e6,
		MaxWait:         500 * time.Millisecond,
		CommitInterval:  time.Second,
		StartOffset:     cfg.StartOffset,
		ReadLagInterval: -1,
	})
}

// RunTopics runs one Processor per topic in the group and blocks until ctx is cancelled and
// every reader has closed. opts apply to every processor.
func RunTopics(ctx context.Context, cfg GroupConfig, topics []string, handler Handler, log *zap.Logger, opts ...Option) {
	var wg sync.WaitGroup
	for _, topic := range topics {
		reader := NewReader(cfg, topic)
		topicLog := log.With(zap.String("topic", topic), zap.String("group", cfg.GroupID))
		proc := NewProcessor(reader, handler, append([]Option{WithLogger(topicLog)}, opts...)...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if err := reader.Close(); err != nil {
					topicLog.Warn("reader close failed", zap.Error(err))
				}
			}()

			topicLog.Info("consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				topicLog.Error("consumer stopped", zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
