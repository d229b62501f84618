package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// LogSender writes emails to the log. It is the development default.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(l zerolog.Logger) *LogSender {
	return &LogSender{logger: l}
}

func (s *LogSender) SendEmail(_ context.Context, e *Email) error {
	s.logger.Info().
		Str("email_id", e.ID).
		Str("event", e.Event).
		Str("case_id", e.CaseID).
		Str("to", e.To).
		Str("subject", e.Subject).
		Msg("email")
	return nil
}

// MessageWriter is the part of *kafka.Writer the Kafka sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSender publishes each email as JSON, keyed by recipient so one
// inbox's mail stays ordered within a partition.
type KafkaSender struct {
	w MessageWriter
}

func NewKafkaSender(w MessageWriter) *KafkaSender {
	return &KafkaSender{w: w}
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (s *KafkaSender) SendEmail(ctx context.Context, e *Email) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.To),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Event)},
			{Key: "email_id", Value: []byte(e.ID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// SQSAPI is the part of *sqs.Client the SQS sender uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSender enqueues each email as a JSON message body.
type SQSSender struct {
	client   SQSAPI
	queueURL string
}

func NewSQSSender(client SQSAPI, queueURL string) *SQSSender {
	return &SQSSender{client: client, queueURL: queueURL}
}

func (s *SQSSender) SendEmail(ctx context.Context, e *Email) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {DataType: aws.String("String"), StringValue: aws.String(e.Event)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
