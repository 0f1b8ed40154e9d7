package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/types"
)

const (
	maxContentLength = 4000
	joinHistoryLimit = 50
)

// Router validates inbound events of authenticated connections and dispatches them to the room
// registry or, for call events, to the relay. Errors are reported to the sending connection
// only.
type Router struct {
	hub       *Hub
	registry  *room.Registry
	relay     *Relay
	persister persistence.Persister
	retry     persistence.Retrier
	logger    hclog.Logger

	now func() time.Time
}

// NewRouter creates a router. persister may be nil, in which case chat messages and location
// updates are not stored. Failed writes are retried according to retry.
func NewRouter(hub *Hub, relay *Relay, persister persistence.Persister, retry persistence.Retrier, logger hclog.Logger) *Router {
	return &Router{
		hub:       hub,
		registry:  hub.Registry(),
		relay:     relay,
		persister: persister,
		retry:     retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch handles one inbound frame of conn. Any failure is sent back to conn as an error
// frame.
func (r *Router) Dispatch(ctx context.Context, conn types.Connection, msg types.WebsocketMessage) {
	data, err := decodeData(msg.Data)
	if err == nil {
		err = r.handle(ctx, conn, msg, data)
	}
	if err == nil {
		return
	}
	roomId, _ := data["roomId"].(string)
	r.logger.Debug("event failed", "event", msg.Event, "connection", conn.Id, "room", roomId, "error", err)
	r.SendError(conn.Id, msg.Event, roomId, err)
}

// SendError delivers err to a single connection.
func (r *Router) SendError(connectionId, event, roomId string, err error) {
	sendErr := r.registry.Send(connectionId, types.WireEventError, types.ErrorMessage{
		Code:    types.ErrorCode(err),
		Message: err.Error(),
		Event:   event,
		RoomId:  roomId,
	})
	if sendErr != nil {
		r.logger.Debug("could not send error frame", "connection", connectionId, "error", sendErr)
	}
}

// Disconnect detaches conn from the hub and ends the calls it was part of.
func (r *Router) Disconnect(conn types.Connection) []string {
	affected, err := r.hub.Detach(conn.Id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.logger.Warn("could not detach connection", "connection", conn.Id, "error", err)
		}
		return nil
	}
	r.relay.HandleDisconnect(conn, affected)
	return affected
}

func (r *Router) handle(ctx context.Context, conn types.Connection, msg types.WebsocketMessage, data map[string]interface{}) error {
	switch msg.Event {
	case types.WireEventJoinRoom:
		return r.joinRoom(ctx, conn, data)
	case types.WireEventLeaveRoom:
		return r.leaveRoom(conn, data)
	case types.WireEventSendMessage:
		return r.sendMessage(ctx, conn, data)
	case types.WireEventUpdateLocation:
		return r.updateLocation(ctx, conn, data)
	case types.WireEventStartCall, types.WireEventAcceptCall, types.WireEventRejectCall,
		types.WireEventOffer, types.WireEventAnswer, types.WireEventIceCandidate,
		types.WireEventEndCall, types.WireEventCallTimeout:
		return r.relay.Handle(conn, msg.Event, data, msg.Data)
	case types.WireEventAuthenticate:
		return types.Validationf("connection is already authenticated")
	}
	return types.Validationf("unknown event %q", msg.Event)
}

func (r *Router) joinRoom(ctx context.Context, conn types.Connection, data map[string]interface{}) error {
	req := types.RoomRequest{}
	if err := mapstructure.WeakDecode(data, &req); err != nil {
		return types.Validationf("%s", err)
	}
	kind, _, err := types.ParseRoomId(req.RoomId)
	if err != nil {
		return err
	}
	if kind != types.RoomKindEvent && kind != types.RoomKindChat {
		return types.Authorizationf("%s rooms cannot be joined directly", kind)
	}
	if err := r.registry.Join(conn.Id, req.RoomId); err != nil {
		return err
	}
	ack := types.RoomAck{RoomId: req.RoomId}
	if r.persister != nil {
		history, err := r.persister.GetRoomHistory(ctx, req.RoomId, joinHistoryLimit)
		if err != nil {
			// the join stands, the history is best effort
			r.logger.Warn("could not read room history", "room", req.RoomId, "error", err)
		}
		ack.History = history
	}
	return r.registry.Send(conn.Id, types.WireEventRoomJoined, ack)
}

func (r *Router) leaveRoom(conn types.Connection, data map[string]interface{}) error {
	req := types.RoomRequest{}
	if err := mapstructure.WeakDecode(data, &req); err != nil {
		return types.Validationf("%s", err)
	}
	kind, _, err := types.ParseRoomId(req.RoomId)
	if err != nil {
		return err
	}
	if kind == types.RoomKindPersonal {
		return types.Authorizationf("personal rooms cannot be left")
	}
	if err := r.requireMember(conn, req.RoomId); err != nil {
		return err
	}
	if err := r.registry.Leave(conn.Id, req.RoomId); err != nil {
		return err
	}
	return r.registry.Send(conn.Id, types.WireEventRoomLeft, types.RoomAck{RoomId: req.RoomId})
}

// sendMessage echoes the stamped message to every member including the sender.
func (r *Router) sendMessage(ctx context.Context, conn types.Connection, data map[string]interface{}) error {
	req := types.SendMessageRequest{}
	if err := mapstructure.WeakDecode(data, &req); err != nil {
		return types.Validationf("%s", err)
	}
	if _, _, err := types.ParseRoomId(req.RoomId); err != nil {
		return err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return types.Validationf("empty message")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return types.Validationf("message longer than %d characters", maxContentLength)
	}
	if err := r.requireMember(conn, req.RoomId); err != nil {
		return err
	}
	chatMsg := types.ChatMessage{
		Id:        uuid.NewString(),
		RoomId:    req.RoomId,
		UserId:    conn.UserId,
		Content:   content,
		Timestamp: r.now().UTC(),
	}
	if err := r.store(ctx, chatMsg.Id, chatMsg.RoomId, chatMsg.UserId, types.WireEventMessage, chatMsg.Timestamp, chatMsg); err != nil {
		return err
	}
	_, err := r.registry.Broadcast(req.RoomId, types.WireEventMessage, chatMsg, room.BroadcastOptions{})
	return err
}

// updateLocation forwards the stamped location to every member except the sender.
func (r *Router) updateLocation(ctx context.Context, conn types.Connection, data map[string]interface{}) error {
	coords, ok := data["coords"].(map[string]interface{})
	if !ok {
		return types.Validationf("missing coords")
	}
	for _, key := range []string{"latitude", "longitude"} {
		if _, ok := coords[key]; !ok {
			return types.Validationf("missing coords.%s", key)
		}
	}
	req := types.UpdateLocationRequest{}
	if err := mapstructure.WeakDecode(data, &req); err != nil {
		return types.Validationf("%s", err)
	}
	if _, _, err := types.ParseRoomId(req.RoomId); err != nil {
		return err
	}
	if err := req.Coords.Validate(); err != nil {
		return err
	}
	if err := r.requireMember(conn, req.RoomId); err != nil {
		return err
	}
	update := types.LocationUpdate{
		RoomId:    req.RoomId,
		UserId:    conn.UserId,
		Coords:    req.Coords,
		Timestamp: r.now().UTC(),
	}
	if err := r.store(ctx, "", update.RoomId, update.UserId, types.WireEventLocation, update.Timestamp, update); err != nil {
		return err
	}
	_, err := r.registry.Broadcast(req.RoomId, types.WireEventLocation, update, room.BroadcastOptions{ExcludeConnectionId: conn.Id})
	return err
}

func (r *Router) requireMember(conn types.Connection, roomId string) error {
	if !r.registry.Exists(roomId) {
		return types.NotFoundf("room %s does not exist", roomId)
	}
	if !r.registry.IsMember(conn.Id, roomId) {
		return types.Authorizationf("not a member of %s", roomId)
	}
	return nil
}

func (r *Router) store(ctx context.Context, id, roomId, userId, name string, ts time.Time, payload interface{}) error {
	if r.persister == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
	}
	event := types.RoomEvent{
		Id:        id,
		RoomId:    roomId,
		UserId:    userId,
		Name:      name,
		Payload:   raw,
		CreatedAt: ts.Truncate(time.Microsecond),
	}
	// ids are fixed above, a write retried after an ambiguous failure replaces itself
	return r.retry.Do(ctx, "store room event", func() error {
		return r.persister.StoreRoomEvent(ctx, event)
	})
}

func decodeData(raw json.RawMessage) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return data, nil
	}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return map[string]interface{}{}, types.Validationf("event data must be an object: %s", err)
	}
	return data, nil
}
