package kafka

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
)

// Producer publishes settlement events onto the results topic. Publishing is
// fire-and-forget: the durable commit already happened in PostgreSQL, the
// feed only drives the live ranking cache.
type Producer struct {
	config   *config.KafkaConfig
	producer sarama.AsyncProducer
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewProducer creates an async Kafka producer for the settlement feed
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = cfg.FlushFrequency
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		config:   cfg,
		producer: producer,
		logger:   logger,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for range producer.Successes() {
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for err := range producer.Errors() {
			p.logger.Error("settlement publish failed", "error", err)
		}
	}()

	logger.Info("Kafka producer started", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return p, nil
}

// PublishSettlement enqueues a settlement event without blocking. If the
// producer buffer is full the event is dropped and the periodic database
// sync will reconcile the ranking cache.
func (p *Producer) PublishSettlement(ev domain.SettlementEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshaling settlement event", "game_id", ev.GameID, "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(ev.GameID),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case p.producer.Input() <- msg:
	default:
		p.logger.Warn("producer buffer full, settlement event dropped", "game_id", ev.GameID)
	}
}

// Close drains in-flight messages and shuts the producer down
func (p *Producer) Close() {
	p.producer.AsyncClose()
	p.wg.Wait()
	p.logger.Info("Kafka producer stopped")
}
