package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/huddle-app/huddle/protocol"
	"github.com/huddle-app/huddle/token"
)

const outboundBuffer = 64

// wsOutbound pushes frames through a buffered channel drained by a
// dedicated writer goroutine, so one slow device can never stall the
// actor or reorder anyone else's stream.
type wsOutbound struct {
	frames chan []byte
}

func newWSOutbound() *wsOutbound {
	return &wsOutbound{frames: make(chan []byte, outboundBuffer)}
}

func (o *wsOutbound) Deliver(data []byte) {
	select {
	case o.frames <- data:
	default:
		// The device is not draining its socket. Dropping beats
		// blocking the account's entire message flow.
		slog.Debug("Dropping frame for slow consumer")
	}
}

func (o *wsOutbound) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case data := <-o.frames:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ServeWS is the coordination endpoint. Devices authenticate with a
// signed token and their install id as connection parameters, then
// speak the frame protocol until the socket closes.
func (h *Hub) ServeWS(issuer *token.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := issuer.Validate(r.URL.Query().Get("token"), time.Now())
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		deviceID := r.URL.Query().Get("deviceId")
		if deviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("Websocket accept failed", slog.String("stack", err.Error()))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		coord := h.Get(accountID)
		out := newWSOutbound()
		coord.Attach(deviceID, out)
		go out.writeLoop(ctx, conn)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				break
			}
			msg, err := protocol.Unmarshal(data)
			if err != nil {
				// Corrupt frames are dropped, the connection stays up
				slog.Debug("Dropping malformed frame",
					slog.String("device_id", deviceID),
					slog.String("stack", err.Error()))
				continue
			}
			coord.Dispatch(deviceID, msg)
		}

		coord.Detach(deviceID)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
