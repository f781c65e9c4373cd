package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges, routing keys and queues of the product indexing service.
const (
	PublicationExchange = "product_publication"
	PublicationKey      = "json"
	PublicationQueue    = "json"

	ResultsExchange = "indexering_results"
	FailedKey       = "failed_products"
	FailedQueue     = "failed_products"
)

// Sentinel errors for broker failures.
var (
	ErrAccessRefused = errors.New("broker access refused")
	ErrTransient     = errors.New("broker unavailable")
)

// Session is one broker connection, opened for a tick and closed after it.
type Session interface {
	// Publish emits a product notification on the publication exchange.
	Publish(ctx context.Context, body []byte) error
	// DrainFailed collects the failed-product notifications delivered within
	// wait.
	DrainFailed(ctx context.Context, wait time.Duration) ([][]byte, error)
	Close() error
}

// Broker opens sessions.
type Broker interface {
	Open(ctx context.Context) (Session, error)
}

// AMQPBroker connects to a RabbitMQ endpoint.
type AMQPBroker struct {
	endpoint    string
	user        string
	password    string
	vhost       string
	dialTimeout time.Duration
}

// NewAMQPBroker addresses the broker at endpoint ("host:port") with the
// given credentials and virtual host.
func NewAMQPBroker(endpoint, user, password, vhost string) *AMQPBroker {
	return &AMQPBroker{
		endpoint:    strings.TrimPrefix(endpoint, "amqp://"),
		user:        user,
		password:    password,
		vhost:       vhost,
		dialTimeout: 30 * time.Second,
	}
}

// URL returns the connection URL with the password redacted.
func (b *AMQPBroker) URL() string {
	u := url.URL{Scheme: "amqp", User: url.User(b.user), Host: b.endpoint}
	return u.String()
}

// Open implements Broker.
func (b *AMQPBroker) Open(ctx context.Context) (Session, error) {
	u := url.URL{Scheme: "amqp", User: url.UserPassword(b.user, b.password), Host: b.endpoint}
	conn, err := amqp.DialConfig(u.String(), amqp.Config{
		Vhost:     b.vhost,
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(b.dialTimeout),
	})
	if err != nil {
		return nil, classifyError(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, classifyError(err)
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	publicationDeclared bool
	resultsDeclared     bool
}

func (s *amqpSession) declare(exchange, kind, queue, key string) error {
	if err := s.ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		return classifyError(err)
	}
	if _, err := s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return classifyError(err)
	}
	if err := s.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *amqpSession) Publish(ctx context.Context, body []byte) error {
	if !s.publicationDeclared {
		if err := s.declare(PublicationExchange, amqp.ExchangeDirect, PublicationQueue, PublicationKey); err != nil {
			return err
		}
		s.publicationDeclared = true
	}
	err := s.ch.PublishWithContext(ctx, PublicationExchange, PublicationKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	return classifyError(err)
}

func (s *amqpSession) DrainFailed(ctx context.Context, wait time.Duration) ([][]byte, error) {
	if !s.resultsDeclared {
		if err := s.declare(ResultsExchange, amqp.ExchangeTopic, FailedQueue, FailedKey); err != nil {
			return nil, err
		}
		s.resultsDeclared = true
	}
	const consumer = "nrt-publication"
	deliveries, err := s.ch.Consume(FailedQueue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, classifyError(err)
	}
	defer s.ch.Cancel(consumer, false)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var bodies [][]byte
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return bodies, nil
			}
			bodies = append(bodies, d.Body)
			if err := d.Ack(false); err != nil {
				return bodies, classifyError(err)
			}
		case <-timer.C:
			return bodies, nil
		case <-ctx.Done():
			return bodies, ctx.Err()
		}
	}
}

func (s *amqpSession) Close() error {
	s.ch.Close()
	return s.conn.Close()
}

// classifyError separates credential refusals from transport problems.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return fmt.Errorf("%w: %v", ErrAccessRefused, err)
	}
	if errors.Is(err, amqp.ErrSASL) {
		return fmt.Errorf("%w: %v", ErrAccessRefused, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
