package mq

import (
	"creditledger/internal/config"
	"creditledger/internal/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer 同步生产者，outbox 投递依赖它的确认结果决定是否标记已发送
type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

func newSaramaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Version = sarama.V2_1_0_0
	return kafkaConfig
}

// InitKafka 连接失败直接退出
func InitKafka(cfg *config.KafkaConfig) *Producer {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig())
	if err != nil {
		logger.Log.Fatal("创建 Kafka 生产者失败", zap.Strings("brokers", cfg.Brokers), zap.Error(err))
	}

	logger.Log.Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewProducer(producer)
}

// Send 发送一条消息，key 相同的消息落到同一分区保证顺序
func (p *Producer) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	logger.Log.Debug("Kafka 消息已确认",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Producer) Close() {
	if p == nil || p.producer == nil {
		return
	}
	if err := p.producer.Close(); err != nil {
		logger.Log.Warn("关闭 Kafka 生产者失败", zap.Error(err))
	}
}
