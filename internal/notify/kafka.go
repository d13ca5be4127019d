package notify

import (
	"context"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// KafkaNotifier publishes terminal events keyed by task id
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *zap.Logger) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaNotifierFromProducer(p, topic, log), nil
}

func NewKafkaNotifierFromProducer(p sarama.SyncProducer, topic string, log *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: p,
		topic:    topic,
		logger:   logger.OrNop(log).With(zap.String("component", "kafka")),
	}
}

func (k *KafkaNotifier) Notify(_ context.Context, _ types.Job, ev types.TaskEvent) error {
	data, err := types.MarshalEvent(ev)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.EventTaskID()),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	k.logger.Debug(
		"event published",
		zap.String("task_id", ev.EventTaskID()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}
