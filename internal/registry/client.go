package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/gridpulse/internal/domain"
	"golang.org/x/time/rate"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 32
	drainDeadline  = time.Second
)

// Conn is the subset of *websocket.Conn the registry uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// client is one live connection. Fields other than the writer's channels are
// set once at creation and read-only afterwards.
type client struct {
	id       string
	identity domain.Identity
	limiter  *rate.Limiter
	writer   *clientWriter
}

func (c *client) rooms() []string {
	return []string{domain.UserGroup(c.identity.UserID), domain.RoleGroup(c.identity.Role)}
}

// clientWriter owns every write to the connection: queued frames and pings.
type clientWriter struct {
	connection  Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection Conn, clock clockwork.Clock, bufferSize int) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, bufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.configureReads()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// enqueue queues a frame without blocking. It reports false when the buffer
// is full.
func (cw *clientWriter) enqueue(frame []byte) bool {
	select {
	case cw.sendChannel <- frame:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				// unblocks the read loop, which then disconnects the client
				_ = cw.connection.Close()
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = cw.connection.Close()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful flushes queued frames, then sends a close frame with reason
// before closing. The flush and the close frame share one write deadline, so a
// stalled peer costs at most drainDeadline. A failed write closes the
// connection without the close frame.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// the close frame must not race the run goroutine's writes
		cw.wg.Wait()

		_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(drainDeadline))
		if cw.flush() {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		}

		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// flush writes what is left in the send buffer under the current deadline. It
// reports false if a write failed.
func (cw *clientWriter) flush() bool {
	for {
		select {
		case msg := <-cw.sendChannel:
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (cw *clientWriter) configureReads() {
	cw.connection.SetReadLimit(maxMessageSize)
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
