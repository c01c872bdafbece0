package logstream

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
)

const wsWriteWait = 10 * time.Second

// wsFrame is the JSON text frame sent for every session event.
type wsFrame struct {
	Type    string               `json:"type"`
	Seq     uint64               `json:"seq,omitempty"`
	Data    string               `json:"data,omitempty"`
	Message string               `json:"message,omitempty"`
	Meta    *access.ContainerRef `json:"meta,omitempty"`
}

// WSWriter encodes a session as JSON text frames on a WebSocket. Keep-alives
// are ping control frames.
type WSWriter struct {
	conn *websocket.Conn
}

func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

func (w *WSWriter) Meta(ref access.ContainerRef) error {
	return w.send(wsFrame{Type: "meta", Meta: &ref})
}

func (w *WSWriter) Event(ev broker.Event) error {
	return w.send(wsFrame{Type: "log", Seq: ev.Sequence, Data: string(ev.Data)})
}

func (w *WSWriter) Error(message string) error {
	return w.send(wsFrame{Type: "error", Message: message})
}

// End sends the end frame followed by a normal close.
func (w *WSWriter) End(reason string) error {
	if err := w.send(wsFrame{Type: "end", Message: reason}); err != nil {
		return err
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (w *WSWriter) KeepAlive() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *WSWriter) send(f wsFrame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(f)
}
