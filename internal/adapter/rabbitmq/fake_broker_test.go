package rabbitmq

import (
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory broker. Messages that are published while no
// channel consumes their queue, requeued by a nack, or left unacknowledged
// when a connection drops wait in a backlog and go to the next consumer.
type fakeBroker struct {
	mu        sync.Mutex
	failDials int
	dialErr   error
	dials     int
	nextTag   uint64
	backlog   map[string][][]byte
	unacked   map[uint64]pendingDelivery
	acked     []string
	requeued  []string
	conn      *fakeConn
}

type pendingDelivery struct {
	queue string
	body  []byte
}

var errDialRefused = errors.New("dial tcp: connection refused")

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		backlog: make(map[string][][]byte),
		unacked: make(map[uint64]pendingDelivery),
	}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	if b.failDials > 0 {
		b.failDials--
		return nil, errDialRefused
	}
	b.conn = &fakeConn{b: b}
	return b.conn, nil
}

func (b *fakeBroker) setFailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) publish(queue string, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch := b.liveChannelLocked(); ch != nil && ch.deliveries[queue] != nil {
		b.deliverLocked(ch, queue, []byte(body))
		return
	}
	b.backlog[queue] = append(b.backlog[queue], []byte(body))
}

// drop closes the current connection the way a broker restart does.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// cancelConsumer ends the consumer on queue the way a queue deletion does:
// its delivery channel closes while the channel and connection stay open.
func (b *fakeBroker) cancelConsumer(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch := b.liveChannelLocked(); ch != nil && ch.deliveries[queue] != nil {
		close(ch.deliveries[queue])
		delete(ch.deliveries, queue)
	}
}

func (b *fakeBroker) ackedBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func (b *fakeBroker) requeuedBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requeued...)
}

func (b *fakeBroker) currentChannel() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveChannelLocked()
}

func (b *fakeBroker) liveChannelLocked() *fakeChannel {
	if b.conn == nil || b.conn.closed || b.conn.ch == nil || b.conn.ch.closed {
		return nil
	}
	return b.conn.ch
}

func (b *fakeBroker) deliverLocked(ch *fakeChannel, queue string, body []byte) {
	b.nextTag++
	b.unacked[b.nextTag] = pendingDelivery{queue: queue, body: body}
	ch.deliveries[queue] <- amqp.Delivery{Acknowledger: b, DeliveryTag: b.nextTag, Body: body}
}

func (b *fakeBroker) requeueUnackedLocked() {
	for tag, p := range b.unacked {
		b.backlog[p.queue] = append(b.backlog[p.queue], p.body)
		delete(b.unacked, tag)
	}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.unacked[tag]
	if !ok {
		return amqp.ErrClosed
	}
	delete(b.unacked, tag)
	b.acked = append(b.acked, string(p.body))
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.unacked[tag]
	if !ok {
		return amqp.ErrClosed
	}
	delete(b.unacked, tag)
	if requeue {
		b.requeued = append(b.requeued, string(p.body))
		b.backlog[p.queue] = append(b.backlog[p.queue], p.body)
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

type fakeConn struct {
	b      *fakeBroker
	ch     *fakeChannel
	notify []chan *amqp.Error
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.ch = &fakeChannel{b: c.b, deliveries: make(map[string]chan amqp.Delivery)}
	return c.ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.shutdownLocked(nil)
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *fakeConn) shutdownLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.ch != nil {
		c.ch.shutdownLocked(err)
	}
	for _, r := range c.notify {
		if err != nil {
			r <- err
		}
		close(r)
	}
}

type fakeChannel struct {
	b          *fakeBroker
	prefetch   int
	declared   map[string]bool // queue -> durable
	deliveries map[string]chan amqp.Delivery
	notify     []chan *amqp.Error
	closed     bool
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.declared == nil {
		ch.declared = make(map[string]bool)
	}
	ch.declared[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if autoAck {
		return nil, errors.New("fake broker only supports manual acknowledgement")
	}

	deliveries := make(chan amqp.Delivery, 64)
	ch.deliveries[queue] = deliveries
	for _, body := range ch.b.backlog[queue] {
		ch.b.deliverLocked(ch, queue, body)
	}
	delete(ch.b.backlog, queue)
	return deliveries, nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.shutdownLocked(nil)
	return nil
}

func (ch *fakeChannel) shutdownLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, d := range ch.deliveries {
		close(d)
	}
	ch.b.requeueUnackedLocked()
	for _, r := range ch.notify {
		if err != nil {
			r <- err
		}
		close(r)
	}
}
