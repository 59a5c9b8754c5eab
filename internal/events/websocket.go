package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sink receives decoded push messages from a transport. The Router
// satisfies it.
type Sink interface {
	Emit(topic string, payload interface{})
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

// wsFrame is the wire shape for both directions: inbound events carry
// topic+payload, outbound control frames carry action+channel.
type wsFrame struct {
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Action  string          `json:"action,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// WSTransport forwards push subscriptions over a single websocket
// connection and feeds inbound frames into the sink.
type WSTransport struct {
	conn    *websocket.Conn
	sink    Sink
	logger  *zap.Logger
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// DialWS connects to the push endpoint and starts the read and
// heartbeat pumps.
func DialWS(ctx context.Context, url string, sink Sink, logger *zap.Logger) (*WSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push endpoint: %w", err)
	}
	t := &WSTransport{
		conn:   conn,
		sink:   sink,
		logger: logger,
		closed: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("push connection closed", zap.Error(err))
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Topic == "" {
			// Unrecognized frames are dropped, never fatal.
			t.logger.Debug("dropping unparseable push frame", zap.ByteString("data", data))
			continue
		}
		var payload interface{}
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				t.logger.Debug("dropping push frame with bad payload", zap.String("topic", frame.Topic))
				continue
			}
		}
		t.sink.Emit(frame.Topic, payload)
	}
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) send(action, channel string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteJSON(wsFrame{Action: action, Channel: channel})
}

// SubscribeTask asks the server to forward events for one task.
func (t *WSTransport) SubscribeTask(id string) error {
	return t.send("subscribe", "task:"+id)
}

// UnsubscribeTask stops forwarding for one task.
func (t *WSTransport) UnsubscribeTask(id string) error {
	return t.send("unsubscribe", "task:"+id)
}

// SubscribeSession asks the server to forward events for one
// interaction session.
func (t *WSTransport) SubscribeSession(id string) error {
	return t.send("subscribe", "session:"+id)
}

// UnsubscribeSession stops forwarding for one session.
func (t *WSTransport) UnsubscribeSession(id string) error {
	return t.send("unsubscribe", "session:"+id)
}

// Close tears down the connection.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
