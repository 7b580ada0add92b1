package server

import (
	"log/slog"

	"golang.org/x/net/websocket"

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

// Stream message types.
const (
	MessageStage       = "stage"
	MessageEndOfStream = "end_of_stream"
)

// StreamMessage is one frame on the stage stream.
type StreamMessage struct {
	Type  string `json:"type"`
	Stage string `json:"stage,omitempty"`
}

// serveStream registers the connection as the single session observer. A
// previously open stream is ended and closed. Closing the connection
// unregisters the observer.
func (a *API) serveStream(ws *websocket.Conn) {
	logger := logging.FromContextOr(ws.Request().Context(), a.logger).With("remote", ws.Request().RemoteAddr)

	sub := session.NewSubscription(a.streamBuffer)
	if prev := a.session.RegisterObserver(sub); prev != nil {
		logger.Info("replacing existing stage stream")
		prev.EndOfStream()
	}
	a.updateObserverGauge()
	logger.Info("stage stream opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeStream(ws, sub, logger)
	}()

	// Keep connection alive and read messages (for ping/pong)
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
		if msg == "ping" {
			_ = websocket.Message.Send(ws, "pong")
		}
	}

	a.session.Unsubscribe(sub)
	sub.EndOfStream()
	<-done
	a.updateObserverGauge()

	if n := sub.Dropped(); n > 0 {
		logger.Warn("stage stream dropped messages", "dropped", n)
	}
	logger.Info("stage stream closed")
}

// writeStream forwards stages until the subscription ends, then sends the
// end-of-stream frame and closes the connection.
func writeStream(ws *websocket.Conn, sub *session.Subscription, logger *slog.Logger) {
	broken := false
	for stage := range sub.C() {
		if broken {
			continue
		}
		if err := websocket.JSON.Send(ws, StreamMessage{Type: MessageStage, Stage: string(stage)}); err != nil {
			logger.Debug("stage stream write failed", "error", err)
			broken = true
		}
	}
	if !broken {
		if err := websocket.JSON.Send(ws, StreamMessage{Type: MessageEndOfStream}); err != nil {
			logger.Debug("end of stream write failed", "error", err)
		}
	}
	_ = ws.Close()
}

func (a *API) updateObserverGauge() {
	if a.recorder != nil {
		a.recorder.SetObserverAttached(a.session.HasObserver())
	}
}
