package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	pb "github.com/ziamarket/zia/proto"
)

const (
	kafkaWriteTimeout = 10 * time.Second
	sinkWriteTimeout  = 3 * time.Second
)

//go:generate mockgen -source=sink.go -destination=mock/mock_sink.go

// IKafkaWriter receives every routed chat message.
type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewKafkaSink creates a writer appending chat messages to topic.
func NewKafkaSink(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

// saveChatMsg appends msg keyed by the conversation, so one conversation stays in one partition.
func saveChatMsg(kafkaWriter IKafkaWriter, msg *pb.ChatMsg, limit int) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal message: %+v, err: %v", msg, err)
	}
	if len(value) > limit {
		return fmt.Errorf("message exceeds max limit: %d bytes", limit)
	}

	km := kafka.Message{
		Key:   []byte(conversationKey(msg.FromUserID, msg.ToUserID)),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()
	if err := kafkaWriter.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
