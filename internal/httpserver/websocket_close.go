package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

// wsCloseReason is the close frame a subscriber connection ends with.
type wsCloseReason struct {
	status websocket.StatusCode
	reason string
}

var (
	wsClosedNormally   = wsCloseReason{websocket.StatusNormalClosure, ""}
	wsClosedPollerDone = wsCloseReason{websocket.StatusGoingAway, "poller stopped"}
	wsClosedBadMessage = wsCloseReason{websocket.StatusUnsupportedData, "invalid client message"}
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, why wsCloseReason) {
	if conn == nil {
		return
	}
	err := conn.Close(why.status, why.reason)
	if logger == nil {
		return
	}
	if err != nil {
		logger.Debug("websocket close failed", "status", why.status, "reason", why.reason, "err", err)
		return
	}
	logger.Debug("websocket closed", "status", why.status, "reason", why.reason)
}
