package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderType carries the envelope type so consumers can filter without
// decoding the payload.
const HeaderType = "event-type"

var errNotInitialized = errors.New("kafka client not initialized")

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
	// OnError receives delivery failures from the asynchronous writer.
	OnError func(err error, dropped int)
}

func (cfg KafkaConfig) validate(needGroup bool) ([]string, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, errors.New("kafka topic required")
	case needGroup && strings.TrimSpace(cfg.GroupID) == "":
		return nil, errors.New("kafka group id required")
	}
	return brokers, nil
}

func (cfg KafkaConfig) dialer() *kafka.Dialer {
	d := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if cfg.ClientID != "" {
		d.ClientID = cfg.ClientID
	}
	return d
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads envelopes as a member of a consumer group. Offsets are
// committed once a second.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		Dialer:         cfg.dialer(),
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errNotInitialized
	}
	km, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Key: km.Key, Value: km.Value, Time: km.Time}
	for _, h := range km.Headers {
		if h.Key == HeaderType {
			msg.Type = string(h.Value)
		}
	}
	return msg, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// KafkaPublisher writes envelopes as JSON. Messages are hashed on key so
// events for one client stay on one partition. Writes are asynchronous;
// failures surface through KafkaConfig.OnError.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	if cfg.OnError != nil {
		onError := cfg.OnError
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				onError(err, len(msgs))
			}
		}
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	if p == nil || p.writer == nil {
		return errNotInitialized
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := kafka.Message{
		Value:   value,
		Time:    env.At,
		Headers: []kafka.Header{{Key: HeaderType, Value: []byte(env.Type)}},
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
