package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

// WebsocketDialer dials the coordination endpoint over a real
// websocket, passing the credential and device id as connection
// parameters.
type WebsocketDialer struct {
	Endpoint   string
	DeviceID   string
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Socket, error) {
	u := fmt.Sprintf("%s?token=%s&deviceId=%s",
		d.Endpoint, url.QueryEscape(token), url.QueryEscape(d.DeviceID))
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
