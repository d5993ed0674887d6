package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"changedesk/internal/logging"
	"changedesk/internal/protocol"
)

const writeTimeout = 5 * time.Second

// WSHub streams bus events to websocket observers, one subscription per socket.
type WSHub struct {
	bus     *Bus
	buffer  int
	clients atomic.Int64
	logger  *slog.Logger
}

func NewWSHub(bus *Bus, logger *slog.Logger) *WSHub {
	return &WSHub{
		bus:    bus,
		buffer: defaultBuffer,
		logger: logging.OrDiscard(logger).With("module", "ws_hub"),
	}
}

func (h *WSHub) ClientCount() int {
	return int(h.clients.Load())
}

func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	sub := h.bus.Subscribe(h.buffer)
	h.clients.Add(1)
	defer func() {
		sub.Unsubscribe()
		h.clients.Add(-1)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Observers never send; CloseRead lets us notice them going away.
	ctx := conn.CloseRead(r.Context())

	ready := protocol.Message{
		ID:      "evt_0",
		Type:    protocol.TypeEvent,
		Op:      protocol.TopicConnectionReady,
		Payload: protocol.MustRaw(map[string]any{"subscribers": h.bus.SubscriberCount()}),
	}
	if err := h.write(ctx, conn, ready); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if err := h.write(ctx, conn, evt); err != nil {
				h.logger.Info("websocket observer write failed", "event_id", evt.ID, "err", err)
				return
			}
		}
	}
}

func (h *WSHub) write(ctx context.Context, conn *websocket.Conn, msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}
