package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/gridpulse/internal/platform/errors"
	"github.com/pscheid92/gridpulse/internal/platform/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrStartupExhausted is returned by Run when the broker could not be reached
// within the startup attempts. The process cannot do useful work without it.
var ErrStartupExhausted = errors.New("broker unreachable at startup")

// Handler processes one message body from queue. A nil error acknowledges
// the delivery; any error requeues it.
type Handler interface {
	Handle(ctx context.Context, queue string, body []byte) error
}

type Config struct {
	URL             string
	Queues          []string
	Prefetch        int
	RetryDelay      time.Duration
	StartupAttempts int
}

// Consumer keeps one broker connection alive and feeds every delivery of the
// configured queues to a Handler.
type Consumer struct {
	cfg     Config
	handler Handler
	dial    Dialer
	clock   clockwork.Clock
	metrics *metrics.BrokerMetrics
	state   atomic.Int32
}

func NewConsumer(cfg Config, handler Handler, dial Dialer, clock clockwork.Clock, m *metrics.BrokerMetrics) *Consumer {
	if dial == nil {
		dial = DialAMQP
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		dial:    dial,
		clock:   clock,
		metrics: m,
	}
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.ConnectionState.Set(float64(s))
	}
}

// session is one open connection with its consuming channel.
type session struct {
	conn       Connection
	ch         Channel
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	deliveries map[string]<-chan amqp.Delivery
	closeOnce  sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.ch != nil {
			_ = s.ch.Close()
		}
		_ = s.conn.Close()
	})
}

// Run connects and consumes until ctx is cancelled. It returns nil after a
// clean shutdown and ErrStartupExhausted when the first connection cannot be
// established. Once connected, lost connections are re-established forever.
func (c *Consumer) Run(ctx context.Context) error {
	s, err := c.connect(ctx, retry.StartupPolicy(c.cfg.StartupAttempts, c.cfg.RetryDelay), classifyStartupError)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrStartupExhausted, err)
	}

	for {
		cause, lost := c.consume(ctx, s)
		if !lost {
			return nil
		}

		c.setState(StateDisconnected)
		if c.metrics != nil {
			c.metrics.ConnectionsLost.Inc()
		}
		slog.Warn("Broker connection lost, reconnecting", "error", cause, "delay", c.cfg.RetryDelay)

		select {
		case <-c.clock.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return nil
		}

		// An unbounded policy only gives up when ctx is cancelled.
		s, err = c.connect(ctx, retry.SteadyStatePolicy(c.cfg.RetryDelay), retry.AlwaysRetry)
		if err != nil {
			return nil
		}
	}
}

// classifyStartupError stops retrying when the broker rejects our credentials
// or vhost; waiting will not change its answer.
func classifyStartupError(err error) retry.Action {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) {
		return retry.Stop
	}
	return retry.Retry
}

func (c *Consumer) connect(ctx context.Context, policy retry.Policy, classify retry.Classify) (*session, error) {
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("Broker connection attempt failed, retrying",
			"policy", policy.Name, "attempt", attempt, "delay", delay, "error", err)
	}

	return retry.Do(ctx, c.clock, policy, classify, func(attempt int) (*session, error) {
		c.setState(StateConnecting)
		s, err := c.open()
		if err != nil {
			c.setState(StateDisconnected)
			c.countAttempt(policy.Name, "failure")
			return nil, err
		}
		c.countAttempt(policy.Name, "success")
		c.setState(StateConnected)
		slog.Info("Connected to broker", "policy", policy.Name, "attempt", attempt, "queues", c.cfg.Queues, "prefetch", c.cfg.Prefetch)
		return s, nil
	})
}

func (c *Consumer) countAttempt(policy, result string) {
	if c.metrics != nil {
		c.metrics.ConnectAttempts.WithLabelValues(policy, result).Inc()
	}
}

// open dials, sets the prefetch window, declares every queue durable and
// starts consuming it with manual acknowledgement.
func (c *Consumer) open() (*session, error) {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return nil, apperrors.BrokerError("failed to dial broker", err)
	}
	s := &session{
		conn:       conn,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		deliveries: make(map[string]<-chan amqp.Delivery, len(c.cfg.Queues)),
	}

	s.ch, err = conn.Channel()
	if err != nil {
		s.close()
		return nil, apperrors.BrokerError("failed to open channel", err)
	}
	s.chanClosed = s.ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := s.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		s.close()
		return nil, apperrors.BrokerError("failed to set prefetch", err)
	}

	for _, queue := range c.cfg.Queues {
		if _, err := s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			s.close()
			return nil, apperrors.BrokerError("failed to declare queue", err).WithContext("queue", queue)
		}
		deliveries, err := s.ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			s.close()
			return nil, apperrors.BrokerError("failed to consume queue", err).WithContext("queue", queue)
		}
		s.deliveries[queue] = deliveries
	}
	return s, nil
}

// errConsumerCancelled reports that the broker cancelled one of our consumers,
// for example because its queue was deleted. The channel stays open, so the
// session has to be rebuilt to consume that queue again.
var errConsumerCancelled = errors.New("broker cancelled consumer")

// consume runs one goroutine per queue until ctx is cancelled, the connection
// or channel closes, or the broker cancels a consumer. lost reports an
// unexpected end of the session.
func (c *Consumer) consume(ctx context.Context, s *session) (cause error, lost bool) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cancelled := make(chan string, len(s.deliveries))
	var wg sync.WaitGroup
	for queue, deliveries := range s.deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.consumeQueue(sessionCtx, queue, deliveries) && sessionCtx.Err() == nil {
				cancelled <- queue
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		s.close()
		c.setState(StateDisconnected)
		slog.Info("Broker consumer stopped")
		return nil, false
	case closeErr := <-s.connClosed:
		cause = amqpCause(closeErr)
	case closeErr := <-s.chanClosed:
		cause = amqpCause(closeErr)
	case queue := <-cancelled:
		cause = fmt.Errorf("%w: queue %s", errConsumerCancelled, queue)
	}

	cancel()
	wg.Wait()
	s.close()
	return cause, true
}

// amqpCause keeps a nil *amqp.Error from a closed notify channel out of the
// error interface.
func amqpCause(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// consumeQueue processes deliveries in order. It returns false when the
// delivery channel was closed underneath it.
func (c *Consumer) consumeQueue(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.process(ctx, queue, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, queue string, d amqp.Delivery) {
	ctx = correlation.WithDelivery(ctx, queue, d.DeliveryTag)

	if err := c.handler.Handle(ctx, queue, d.Body); err != nil {
		slog.WarnContext(ctx, "Message handling failed, requeueing", "error_type", apperrors.TypeOf(err), "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.ErrorContext(ctx, "Failed to nack delivery", "error", nackErr)
		}
		c.countDelivery(queue, "requeue")
		return
	}

	if err := d.Ack(false); err != nil {
		slog.ErrorContext(ctx, "Failed to ack delivery", "error", err)
		return
	}
	c.countDelivery(queue, "ack")
}

func (c *Consumer) countDelivery(queue, outcome string) {
	if c.metrics != nil {
		c.metrics.Deliveries.WithLabelValues(queue, outcome).Inc()
	}
}
