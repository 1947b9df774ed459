package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/query"
	"github.com/orneryd/bifrost/pkg/sanitize"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is wide open on the HTTP surface; the socket matches.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsError is the JSON error frame sent on a failed socket query.
type wsError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// handleWebSocket upgrades /query/ws and serves one query per inbound
// text frame. Arrow results go back as binary frames, JSON results and
// errors as text frames. Queries on one socket run sequentially; clients
// that want parallelism open more sockets.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.log.Debug("websocket connected", zap.String("remote", conn.RemoteAddr().String()))

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.writeSocketError(conn, http.StatusBadRequest, "expected a text frame")
			continue
		}

		req, err := decodeSocketRequest(msg)
		if err != nil {
			s.writeSocketError(conn, statusFor(err), err.Error())
			continue
		}

		payload, err := s.dispatcher.Do(r.Context(), req)
		if err != nil {
			s.writeSocketError(conn, statusFor(err), err.Error())
			continue
		}

		switch req.Format {
		case query.FormatArrow:
			err = conn.WriteMessage(websocket.BinaryMessage, payload)
		case query.FormatExec:
			err = conn.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`))
		default:
			err = conn.WriteMessage(websocket.TextMessage, payload)
		}
		if err != nil {
			s.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func decodeSocketRequest(msg []byte) (*query.Request, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var p queryPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrBadRequest, err)
	}
	return requestFromPayload(&p)
}

func (s *Server) writeSocketError(conn *websocket.Conn, code int, msg string) {
	frame, _ := json.Marshal(wsError{
		Error:   true,
		Message: sanitize.Credentials(msg),
		Code:    code,
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Debug("websocket error frame write failed", zap.Error(err))
	}
}
