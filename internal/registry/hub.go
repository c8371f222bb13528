package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/domain"
	"github.com/pscheid92/gridpulse/internal/platform/correlation"
	"golang.org/x/time/rate"
)

const (
	commandBufferSize = 256
	stopTimeout       = 10 * time.Second
	userRoomPrefix    = "user:"

	connectedMessage = "Connected to WebSocket server"
)

type targetKind int

const (
	targetRoom targetKind = iota
	targetConn
	targetAll
)

// target selects the recipients of a frame. exclude skips one connection.
type target struct {
	kind    targetKind
	key     string
	exclude string
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type connectCmd struct {
	baseHubCmd
	client *client
	reply  chan struct{}
}

type disconnectCmd struct {
	baseHubCmd
	connID string
	reason string
}

type deliverCmd struct {
	baseHubCmd
	target target
	event  string
	frame  []byte
	reply  chan int
}

type statsCmd struct {
	baseHubCmd
	reply chan stats
}

type onlineCmd struct {
	baseHubCmd
	userID string
	reply  chan bool
}

type stopCmd struct {
	baseHubCmd
}

type stats struct {
	connections int
	users       int
}

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	Clock   clockwork.Clock
	Metrics *metrics.RegistryMetrics

	// OnUserOnline and OnUserOffline run on the actor goroutine when a user's
	// first connection opens and last connection closes. They must not block.
	OnUserOnline  func(userID string)
	OnUserOffline func(userID string)

	InboundRate  rate.Limit
	InboundBurst int
	SendBuffer   int
}

// Hub is the connection registry. One goroutine owns every connection, the
// room memberships and the presence derived from them; all access arrives as
// commands on cmdCh.
type Hub struct {
	cmdCh   chan hubCmd
	clock   clockwork.Clock
	metrics *metrics.RegistryMetrics

	clients     map[string]*client
	rooms       map[string]map[string]*client
	onlineUsers int

	onUserOnline  func(string)
	onUserOffline func(string)

	inboundRate  rate.Limit
	inboundBurst int
	sendBuffer   int
	handlers     map[string]inboundHandler

	done     chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.InboundRate == 0 {
		opts.InboundRate = 10
	}
	if opts.InboundBurst == 0 {
		opts.InboundBurst = 20
	}
	if opts.SendBuffer == 0 {
		opts.SendBuffer = sendBufferSize
	}

	h := &Hub{
		cmdCh:         make(chan hubCmd, commandBufferSize),
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		clients:       make(map[string]*client),
		rooms:         make(map[string]map[string]*client),
		onUserOnline:  opts.OnUserOnline,
		onUserOffline: opts.OnUserOffline,
		inboundRate:   opts.InboundRate,
		inboundBurst:  opts.InboundBurst,
		sendBuffer:    opts.SendBuffer,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	h.handlers = h.inboundHandlers()
	go h.run()
	return h
}

// Serve runs a connection from handshake to close: it registers the
// connection, reads inbound frames until the peer goes away or ctx ends, then
// unregisters it. The caller's goroutine is the connection's read loop.
func (h *Hub) Serve(ctx context.Context, identity domain.Identity, conn Conn) error {
	c, err := h.connect(ctx, identity, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer h.Disconnect(c.id, "client disconnected")

	ctx = correlation.WithFields(ctx,
		slog.String(correlation.KeyConnID, c.id),
		slog.String(correlation.KeyUserID, identity.UserID),
	)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	h.readLoop(ctx, c, conn)
	return nil
}

// connect registers an authenticated connection, joins it to its user and
// role rooms and sends it the connected event.
func (h *Hub) connect(ctx context.Context, identity domain.Identity, conn Conn) (*client, error) {
	c := &client{
		id:       uuid.NewString(),
		identity: identity,
		limiter:  rate.NewLimiter(h.inboundRate, h.inboundBurst),
	}
	c.writer = newClientWriter(conn, h.clock, h.sendBuffer)

	reply := make(chan struct{}, 1)
	if err := h.submit(ctx, connectCmd{client: c, reply: reply}); err != nil {
		c.writer.stop()
		return nil, err
	}
	if _, err := await(ctx, h, reply); err != nil {
		h.Disconnect(c.id, "handshake aborted")
		c.writer.stop()
		return nil, err
	}
	return c, nil
}

// Disconnect removes a connection. Unknown ids are ignored.
func (h *Hub) Disconnect(connID string, reason string) {
	select {
	case h.cmdCh <- disconnectCmd{connID: connID, reason: reason}:
	case <-h.done:
	}
}

func (h *Hub) DeliverToUser(ctx context.Context, userID string, event domain.Event) error {
	_, err := h.deliver(ctx, target{kind: targetRoom, key: domain.UserGroup(userID)}, event)
	return err
}

func (h *Hub) DeliverToRole(ctx context.Context, role domain.Role, event domain.Event) error {
	_, err := h.deliver(ctx, target{kind: targetRoom, key: domain.RoleGroup(role)}, event)
	return err
}

func (h *Hub) BroadcastAll(ctx context.Context, event domain.Event) error {
	_, err := h.deliver(ctx, target{kind: targetAll}, event)
	return err
}

func (h *Hub) ConnectionCount(ctx context.Context) (int, error) {
	s, err := h.stats(ctx)
	return s.connections, err
}

func (h *Hub) UserCount(ctx context.Context) (int, error) {
	s, err := h.stats(ctx)
	return s.users, err
}

func (h *Hub) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.submit(ctx, onlineCmd{userID: userID, reply: reply}); err != nil {
		return false, err
	}
	return await(ctx, h, reply)
}

// Stop closes every connection with a close frame and stops the actor.
// Blocks until the actor has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	select {
	case h.cmdCh <- stopCmd{}:
	case <-h.done:
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.stopped:
		slog.Info("Connection registry stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Connection registry stop timeout exceeded", "timeout", stopTimeout)
	}
}

// Done is closed once the registry no longer accepts commands.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) deliver(ctx context.Context, t target, event domain.Event) (int, error) {
	frame, err := event.Marshal()
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", event.Name, err)
	}
	reply := make(chan int, 1)
	if err := h.submit(ctx, deliverCmd{target: t, event: event.Name, frame: frame, reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, h, reply)
}

func (h *Hub) stats(ctx context.Context) (stats, error) {
	reply := make(chan stats, 1)
	if err := h.submit(ctx, statsCmd{reply: reply}); err != nil {
		return stats{}, err
	}
	return await(ctx, h, reply)
}

func (h *Hub) submit(ctx context.Context, cmd hubCmd) error {
	select {
	case <-h.done:
		return domain.ErrRegistryClosed
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return domain.ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, h *Hub, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		// the reply may have been sent just before the actor stopped
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, domain.ErrRegistryClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.stopped)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection registry panic recovered", "panic", r)
			h.closeDone()
			h.closeAllClients("internal error")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			h.handleConnect(c)
		case disconnectCmd:
			h.handleDisconnect(c.connID, c.reason)
		case deliverCmd:
			c.reply <- h.handleDeliver(c)
		case statsCmd:
			c.reply <- stats{connections: len(h.clients), users: h.onlineUsers}
		case onlineCmd:
			_, ok := h.rooms[domain.UserGroup(c.userID)]
			c.reply <- ok
		case stopCmd:
			h.closeDone()
			h.handleStop()
			return
		default:
			slog.Warn("Connection registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) closeDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Hub) handleConnect(c connectCmd) {
	cl := c.client
	h.clients[cl.id] = cl
	for _, room := range cl.rooms() {
		h.join(room, cl)
	}

	connected := domain.Event{Name: domain.EventConnected, Data: domain.ConnectedPayload{
		Message:   connectedMessage,
		UserID:    cl.identity.UserID,
		Username:  cl.identity.Username,
		Role:      cl.identity.Role,
		Timestamp: domain.FormatTimestamp(h.clock.Now()),
	}}
	if frame, err := connected.Marshal(); err == nil {
		h.send(cl, domain.EventConnected, frame)
	}

	h.updateGauges()
	slog.Info("Client connected",
		"conn_id", cl.id,
		"user_id", cl.identity.UserID,
		"username", cl.identity.Username,
		"role", cl.identity.Role,
		"connections", len(h.clients),
	)
	c.reply <- struct{}{}
}

func (h *Hub) join(room string, cl *client) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*client)
		h.rooms[room] = members
		if userID, isUser := strings.CutPrefix(room, userRoomPrefix); isUser {
			h.onlineUsers++
			if h.onUserOnline != nil {
				h.onUserOnline(userID)
			}
		}
	}
	members[cl.id] = cl
}

func (h *Hub) leave(room string, cl *client) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, cl.id)
	if len(members) > 0 {
		return
	}
	delete(h.rooms, room)
	if userID, isUser := strings.CutPrefix(room, userRoomPrefix); isUser {
		h.onlineUsers--
		if h.onUserOffline != nil {
			h.onUserOffline(userID)
		}
	}
}

func (h *Hub) handleDisconnect(connID, reason string) {
	cl, ok := h.clients[connID]
	if !ok {
		return
	}

	cl.writer.stop()
	delete(h.clients, connID)
	for _, room := range cl.rooms() {
		h.leave(room, cl)
	}

	h.updateGauges()
	slog.Info("Client disconnected",
		"conn_id", connID,
		"user_id", cl.identity.UserID,
		"reason", reason,
		"connections", len(h.clients),
	)
}

// handleDeliver queues frame to every selected connection and returns how many
// received it. Connections whose buffer is full are evicted.
func (h *Hub) handleDeliver(c deliverCmd) int {
	var recipients map[string]*client
	switch c.target.kind {
	case targetAll:
		recipients = h.clients
	case targetRoom:
		recipients = h.rooms[c.target.key]
	case targetConn:
		if cl, ok := h.clients[c.target.key]; ok {
			recipients = map[string]*client{cl.id: cl}
		}
	}

	var slow []string
	delivered := 0
	for id, cl := range recipients {
		if id == c.target.exclude {
			continue
		}
		if h.send(cl, c.event, c.frame) {
			delivered++
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "conn_id", id, "event", c.event)
		if h.metrics != nil {
			h.metrics.SlowClientsEvicted.Inc()
		}
		h.handleDisconnect(id, "slow client")
	}

	return delivered
}

func (h *Hub) send(cl *client, event string, frame []byte) bool {
	if !cl.writer.enqueue(frame) {
		return false
	}
	if h.metrics != nil {
		h.metrics.EventsSent.WithLabelValues(event).Inc()
	}
	return true
}

func (h *Hub) handleStop() {
	slog.Info("Connection registry shutting down", "connections", len(h.clients), "users", h.onlineUsers)
	h.closeAllClients("Server shutting down")
}

// closeAllClients closes every connection with the given reason. Presence
// callbacks fire for each user that goes offline.
func (h *Hub) closeAllClients(reason string) {
	for id, cl := range h.clients {
		cl.writer.stopGraceful(reason)
		delete(h.clients, id)
		for _, room := range cl.rooms() {
			h.leave(room, cl)
		}
	}
	h.updateGauges()
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.ActiveConnections.Set(float64(len(h.clients)))
	h.metrics.OnlineUsers.Set(float64(h.onlineUsers))
}
