package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adriannoes/asap-protocol/internal/envelope"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is delegated to the deployment's proxy layer;
	// agents authenticate per envelope, not per origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and serves an envelope stream:
// one envelope per text frame, each answered with one response frame. The
// inbound pipeline is identical to the HTTP path; authentication happens
// once at upgrade time.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Authenticate(r); err != nil {
		s.reject(w, nil, &pipelineError{status: http.StatusUnauthorized, code: "unauthorized", err: err})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		msgType, body, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket closed", "error", err.Error())
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		response := s.serveFrame(r, body)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
			s.log.Debug("websocket write failed", "error", err.Error())
			return
		}
	}
}

// serveFrame runs one frame through the pipeline and encodes the reply.
// Authentication was already performed at upgrade, so it is skipped here.
func (s *Server) serveFrame(r *http.Request, body []byte) []byte {
	env, payload, perr := s.runPipeline(r.Context(), nil, body)
	if perr == nil {
		if s.metrics != nil {
			s.metrics.RecordEnvelopeReceived()
		}
		resp, derr := s.dispatch(r.Context(), env, payload)
		if derr == nil {
			data, err := resp.Encode()
			if err == nil {
				return data
			}
			perr = &pipelineError{status: http.StatusInternalServerError, code: "handler_error", err: err}
		} else {
			perr = derr
		}
	}

	if s.metrics != nil {
		s.metrics.RecordRejection(perr.code)
	}
	errPayload := envelope.ErrorPayload{Code: perr.code, Message: perr.err.Error()}
	if env != nil {
		if resp, err := env.Reply(errPayload); err == nil {
			if data, err := resp.Encode(); err == nil {
				return data
			}
		}
	}
	data, _ := json.Marshal(errPayload)
	return data
}
