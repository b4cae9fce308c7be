package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"rental-hunter/models"
)

// AMQPConfig configures the RabbitMQ channel
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// session is one broker connection with its publishing channel
type session interface {
	publisher
	IsClosed() bool
	Close() error
}

type dialFunc func() (session, error)

// AMQP publishes a ListingMatchedEvent per listing to a topic exchange.
// A session found closed is redialed on the next publish.
type AMQP struct {
	mu   sync.Mutex
	dial dialFunc
	sess session

	exchange   string
	routingKey string
	validator  *eventValidator
	now        func() time.Time
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *amqpSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *amqpSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}

// dialAMQP returns a dialer that connects, opens a channel and declares
// the exchange
func dialAMQP(url, exchange string) dialFunc {
	return func() (session, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to open a channel: %w", err)
		}

		err = ch.ExchangeDeclare(
			exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
		}
		return &amqpSession{conn: conn, ch: ch}, nil
	}
}

// NewAMQP dials the broker and declares the exchange. Startup fails when
// the broker is unreachable; later outages are recovered on publish.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	a, err := newAMQP(dialAMQP(cfg.URL, cfg.Exchange), cfg.Exchange, cfg.RoutingKey)
	if err != nil {
		return nil, err
	}
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a, nil
}

func newAMQP(dial dialFunc, exchange, routingKey string) (*AMQP, error) {
	validator, err := newEventValidator()
	if err != nil {
		return nil, err
	}
	return &AMQP{
		dial:       dial,
		exchange:   exchange,
		routingKey: routingKey,
		validator:  validator,
		now:        time.Now,
	}, nil
}

// session returns the open session, dialing a new one if there is none or
// the broker closed it
func (a *AMQP) session() (session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil && !a.sess.IsClosed() {
		return a.sess, nil
	}
	if a.sess != nil {
		_ = a.sess.Close()
		a.sess = nil
	}

	sess, err := a.dial()
	if err != nil {
		return nil, err
	}
	a.sess = sess
	return sess, nil
}

// discard drops sess if it is still the current session
func (a *AMQP) discard(sess session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == sess {
		_ = sess.Close()
		a.sess = nil
	}
}

// publish sends msg, redialing once when the session turns out to be closed
func (a *AMQP) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	sess, err := a.session()
	if err != nil {
		return err
	}

	err = sess.PublishWithContext(ctx, a.exchange, key, false, false, msg)
	if err == nil || !(errors.Is(err, amqp.ErrClosed) || sess.IsClosed()) {
		return err
	}

	a.discard(sess)
	sess, dialErr := a.session()
	if dialErr != nil {
		return fmt.Errorf("%w (reconnect failed: %v)", err, dialErr)
	}
	return sess.PublishWithContext(ctx, a.exchange, key, false, false, msg)
}

func (a *AMQP) Name() string { return "amqp" }

// Send publishes the full listing. The render policy only applies to
// human-readable channels.
func (a *AMQP) Send(ctx context.Context, listing models.Listing, _ RenderPolicy) error {
	event := NewListingEvent(listing, a.now().UTC())
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal listing event: %w", err)
	}
	if err := a.validator.Validate(body); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID.String(),
		Timestamp:    event.SentAt,
		Headers: amqp.Table{
			"event-type":    listingEventType,
			"event-version": listingEventVersion,
			"listing-id":    listing.Identity().String(),
		},
	}

	if err := a.publish(ctx, a.routingKey, msg); err != nil {
		return fmt.Errorf("failed to publish listing event: %w", err)
	}
	return nil
}

// Test publishes a ping on "<routing key>.test"
func (a *AMQP) Test(ctx context.Context) error {
	msg := amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte("Rental Hunter is connected"),
		Timestamp:   a.now().UTC(),
		Headers:     amqp.Table{"event-type": "ConnectionTest"},
	}
	if err := a.publish(ctx, a.routingKey+".test", msg); err != nil {
		return fmt.Errorf("failed to publish test message: %w", err)
	}
	return nil
}

// Close closes the broker channel and connection
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}
