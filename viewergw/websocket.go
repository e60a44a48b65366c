package viewergw

import "github.com/gorilla/websocket"

// WSConn adapts a *websocket.Conn to the Conn interface the gateway
// needs. Kept deliberately thin per SPEC_FULL §4.7: no routing, TLS, or
// auth, just the ReadJSON/WriteJSON/Close binding gorilla/websocket
// already provides.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an already-upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) ReadJSON(v interface{}) error {
	return w.conn.ReadJSON(v)
}

func (w *WSConn) WriteJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}
