package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes failing events to a DLQ exchange, the same
// connection/channel shape the teacher uses to talk to RabbitMQ
// (pkg/scalers/rabbitmq_scaler.go), but used here to publish rather than
// to inspect queue depth.
type AMQPPublisher struct {
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials host and opens one channel, publishing to
// exchange with the DLQ event-type as routing key.
func NewAMQPPublisher(host, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(host)
	if err != nil {
		return nil, fmt.Errorf("dlq: amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("dlq: amqp channel: %w", err)
	}
	return &AMQPPublisher{channel: channel, exchange: exchange}, nil
}

type envelope struct {
	Payload  json.RawMessage        `json:"payload"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (p *AMQPPublisher) Publish(ctx context.Context, dlqEventType string, payload []byte, metadata map[string]interface{}) error {
	body, err := json.Marshal(envelope{Payload: payload, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("dlq: encoding envelope: %w", err)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, dlqEventType, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
