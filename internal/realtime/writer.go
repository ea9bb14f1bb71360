package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline       = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongDeadline = 60 * time.Second
	defaultSendBuffer   = 16
)

// clientWriter owns every write to a connection: queued events, keepalive pings
// and the final close frame.
type clientWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	pingInterval time.Duration
	pongDeadline time.Duration
	sendChannel  chan []byte
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, pingInterval, pongDeadline time.Duration, buffer int) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		pingInterval: pingInterval,
		pongDeadline: pongDeadline,
		sendChannel:  make(chan []byte, buffer),
		doneChannel:  make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(cw.pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue never blocks; a full buffer drops the message.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopWithClose discards queued events and sends a close frame before closing.
func (cw *clientWriter) stopWithClose(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		// The run goroutine must exit before the close frame is written.
		cw.wg.Wait()

		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

// watchPongs lets pongs extend the read deadline. Must be called from the
// reading goroutine.
func (cw *clientWriter) watchPongs() {
	cw.connection.SetPongHandler(func(string) error {
		cw.extendReadDeadline()
		return nil
	})
}

func (cw *clientWriter) extendReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(cw.pongDeadline))
}
