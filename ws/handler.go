package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-karma/types"
)

// Handler upgrades HTTP requests to websocket connections and serves them until they close.
//
// The credential is taken from the "token" query parameter or a bearer Authorization header.
// Without either, the first frame must be an authenticate event. A connection that fails to
// authenticate receives an error frame and is closed with a policy violation.
type Handler struct {
	hub      *Hub
	router   *Router
	upgrader websocket.Upgrader
	logger   hclog.Logger

	// BaseContext is the parent of every connection context. Defaults to context.Background.
	BaseContext context.Context
}

func NewHandler(hub *Hub, router *Router, logger hclog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		router: router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      logger,
		BaseContext: context.Background(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("could not upgrade connection", "error", err)
		return
	}

	if credential == "" {
		credential, err = readCredential(conn)
		if err != nil {
			h.reject(conn, err)
			return
		}
	}

	client := NewClient(h.BaseContext, conn, h.router, h.hub.sendBuffer(), h.logger)
	connection, err := h.hub.Attach(client.ctx, credential, client)
	if err != nil {
		client.close()
		h.reject(conn, err)
		return
	}
	client.connection = connection
	err = h.hub.Registry().Send(connection.Id, types.WireEventAuthenticated, types.AuthenticatedMessage{
		UserId:       connection.UserId,
		ConnectionId: connection.Id,
		RoomId:       types.PersonalRoomId(connection.UserId),
	})
	if err != nil {
		h.logger.Warn("could not ack authentication", "connection", connection.Id, "error", err)
	}

	client.Add(2)
	go client.WriteLoop()
	client.ReadLoop()
	client.Wait()
}

func (h *Handler) reject(conn *websocket.Conn, err error) {
	h.logger.Debug("connection rejected", "error", err)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	frame, mErr := types.NewWebsocketMessage(types.WireEventError, types.ErrorMessage{
		Code:    types.ErrorCode(err),
		Message: err.Error(),
		Event:   types.WireEventAuthenticate,
	})
	if mErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), time.Now().Add(writeWait))
	conn.Close()
}

func credentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// readCredential waits for the authenticate frame.
func readCredential(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", authFailure(err)
	}
	message := types.WebsocketMessage{}
	if err := json.Unmarshal(raw, &message); err != nil {
		return "", authFailure(err)
	}
	if message.Event != types.WireEventAuthenticate {
		return "", types.ErrAuthentication
	}
	data, err := decodeData(message.Data)
	if err != nil {
		return "", authFailure(err)
	}
	req := types.AuthenticateRequest{}
	if err := mapstructure.WeakDecode(data, &req); err != nil {
		return "", authFailure(err)
	}
	if req.Token == "" {
		return "", types.ErrAuthentication
	}
	return req.Token, nil
}

func authFailure(err error) error {
	return fmt.Errorf("%w: %s", types.ErrAuthentication, err)
}
