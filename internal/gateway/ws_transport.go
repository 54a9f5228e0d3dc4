package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
)

// wsTransport adapts a gorilla websocket connection. A write pump owns all
// data writes; control frames go through WriteControl which gorilla allows
// concurrently with the pump.
type wsTransport struct {
	logger       *zap.Logger
	conn         *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	send   chan []byte
	frames chan []byte
	done   chan struct{}

	alive     atomic.Bool
	closeOnce sync.Once
	closeMsg  []byte
}

func newWSTransport(logger *zap.Logger, conn *websocket.Conn, remoteAddr string, cfg config.ConnConfig) *wsTransport {
	t := &wsTransport{
		logger:       logger,
		conn:         conn,
		remoteAddr:   remoteAddr,
		writeTimeout: cfg.WriteTimeout,
		send:         make(chan []byte, cfg.SendBuffer),
		frames:       make(chan []byte, 16),
		done:         make(chan struct{}),
	}
	t.alive.Store(true)
	conn.SetReadLimit(cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		t.alive.Store(true)
		return nil
	})
	return t
}

// start launches the read and write pumps
func (t *wsTransport) start() {
	go t.writePump()
	go t.readPump()
}

// Frames delivers inbound text frames in arrival order. It is closed when
// the socket fails or is closed.
func (t *wsTransport) Frames() <-chan []byte {
	return t.frames
}

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return cnst.ErrConnectionClosed
	default:
	}
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return cnst.ErrConnectionClosed
	default:
		return fmt.Errorf("%w: send buffer full", cnst.ErrTransportFailure)
	}
}

func (t *wsTransport) Ping() error {
	t.alive.Store(false)
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: ping: %v", cnst.ErrTransportFailure, err)
	}
	return nil
}

func (t *wsTransport) Alive() bool {
	return t.alive.Load()
}

func (t *wsTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(t.done)
	})
}

func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}

func (t *wsTransport) writePump() {
	defer t.conn.Close()

	for {
		select {
		case frame := <-t.send:
			if err := t.write(frame); err != nil {
				t.logger.Debug("write failed", zap.String("remote_addr", t.remoteAddr), zap.Error(err))
				return
			}
		case <-t.done:
			// flush what was queued before the close so replies are not lost
		drain:
			for {
				select {
				case frame := <-t.send:
					if err := t.write(frame); err != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = t.conn.WriteControl(websocket.CloseMessage, t.closeMsg, time.Now().Add(t.writeTimeout))
			return
		}
	}
}

func (t *wsTransport) write(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) readPump() {
	defer close(t.frames)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				t.logger.Debug("websocket read error", zap.String("remote_addr", t.remoteAddr), zap.Error(err))
			}
			return
		}
		t.alive.Store(true)
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}
