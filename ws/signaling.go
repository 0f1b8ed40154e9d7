package ws

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v4"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/types"
)

const (
	reasonUnavailable = "unavailable"
	reasonRejected    = "rejected"
	reasonTimeout     = "timeout"
)

// Relay runs the call state machine and forwards signaling frames between call participants.
// Offers, answers and ICE candidates are only ever delivered to the target user's personal
// room, never to a shared call room.
type Relay struct {
	registry *room.Registry
	logger   hclog.Logger

	mu       sync.Mutex
	sessions map[string]*types.CallSession

	now func() time.Time
}

func NewRelay(registry *room.Registry, logger hclog.Logger) *Relay {
	return &Relay{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*types.CallSession),
		now:      time.Now,
	}
}

// Handle processes one inbound call event of conn.
func (r *Relay) Handle(conn types.Connection, event string, data map[string]interface{}, raw json.RawMessage) error {
	switch event {
	case types.WireEventStartCall:
		req := types.StartCallRequest{}
		if err := mapstructure.WeakDecode(data, &req); err != nil {
			return types.Validationf("%s", err)
		}
		return r.startCall(conn, req)
	case types.WireEventAcceptCall, types.WireEventRejectCall, types.WireEventEndCall:
		req := types.RoomRequest{}
		if err := mapstructure.WeakDecode(data, &req); err != nil {
			return types.Validationf("%s", err)
		}
		switch event {
		case types.WireEventAcceptCall:
			return r.acceptCall(conn, req.RoomId)
		case types.WireEventRejectCall:
			return r.rejectCall(conn, req.RoomId)
		}
		return r.endCall(conn, req.RoomId)
	case types.WireEventCallTimeout:
		req := types.CallTimeoutRequest{}
		if err := mapstructure.WeakDecode(data, &req); err != nil {
			return types.Validationf("%s", err)
		}
		return r.callTimeout(conn, req)
	case types.WireEventOffer, types.WireEventAnswer, types.WireEventIceCandidate:
		req := types.SignalRequest{}
		if err := json.Unmarshal(raw, &req); err != nil {
			return types.Validationf("%s", err)
		}
		return r.signal(conn, event, req)
	}
	return types.Validationf("unknown call event %q", event)
}

// Sessions returns a copy of the live call sessions, ordered by room id.
func (r *Relay) Sessions() []types.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]types.CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		c := *s
		c.Targets = make(map[string]types.CallState, len(s.Targets))
		for k, v := range s.Targets {
			c.Targets[k] = v
		}
		sessions = append(sessions, c)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].RoomId < sessions[j].RoomId })
	return sessions
}

func (r *Relay) startCall(conn types.Connection, req types.StartCallRequest) error {
	targets := make([]string, 0, len(req.TargetUserIds))
	seen := make(map[string]struct{}, len(req.TargetUserIds))
	for _, t := range req.TargetUserIds {
		if t == "" {
			return types.Validationf("empty target user id")
		}
		if t == conn.UserId {
			return types.Validationf("cannot call yourself")
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return types.Validationf("no call targets")
	}

	session := &types.CallSession{
		RoomId:             types.RoomId(types.RoomKindCall, uuid.NewString()),
		CallerId:           conn.UserId,
		CallerConnectionId: conn.Id,
		Targets:            make(map[string]types.CallState, len(targets)),
		CreatedAt:          r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	unavailable := make([]string, 0)
	for _, t := range targets {
		if r.registry.Exists(types.PersonalRoomId(t)) {
			session.Targets[t] = types.CallStateRinging
		} else {
			session.Targets[t] = types.CallStateEnded
			unavailable = append(unavailable, t)
		}
	}
	if !session.Finished() {
		r.sessions[session.RoomId] = session
	}

	if err := r.registry.Send(conn.Id, types.WireEventCallStarted, types.CallStartedMessage{
		RoomId:        session.RoomId,
		TargetUserIds: targets,
	}); err != nil {
		r.logger.Warn("could not ack call", "room", session.RoomId, "error", err)
	}
	for _, t := range targets {
		if session.Targets[t] != types.CallStateRinging {
			continue
		}
		r.toPersonal(t, types.WireEventIncomingCall, types.IncomingCallMessage{RoomId: session.RoomId, CallerId: conn.UserId})
	}
	for _, t := range unavailable {
		if err := r.registry.Send(conn.Id, types.WireEventCallRejected, types.CallStatusMessage{
			RoomId: session.RoomId,
			UserId: t,
			Reason: reasonUnavailable,
		}); err != nil {
			r.logger.Warn("could not report unavailable target", "room", session.RoomId, "target", t, "error", err)
		}
	}
	r.logger.Debug("call started", "room", session.RoomId, "caller", conn.UserId, "targets", targets, "unavailable", unavailable)
	return nil
}

func (r *Relay) acceptCall(conn types.Connection, roomId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.session(roomId)
	if err != nil {
		return err
	}
	if session.Targets[conn.UserId] != types.CallStateRinging {
		return types.Authorizationf("no ringing call %s for %s", roomId, conn.UserId)
	}
	if err := r.registry.Join(session.CallerConnectionId, roomId); err != nil {
		return err
	}
	if err := r.registry.Join(conn.Id, roomId); err != nil {
		return err
	}
	session.Targets[conn.UserId] = types.CallStateConnected
	if _, err := r.registry.Broadcast(roomId, types.WireEventCallAccepted, types.CallStatusMessage{
		RoomId: roomId,
		UserId: conn.UserId,
	}, room.BroadcastOptions{}); err != nil {
		r.logger.Warn("could not announce accepted call", "room", roomId, "error", err)
	}
	r.logger.Debug("call accepted", "room", roomId, "user", conn.UserId)
	return nil
}

func (r *Relay) rejectCall(conn types.Connection, roomId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.session(roomId)
	if err != nil {
		return err
	}
	if session.Targets[conn.UserId] != types.CallStateRinging {
		return types.Authorizationf("no ringing call %s for %s", roomId, conn.UserId)
	}
	session.Targets[conn.UserId] = types.CallStateEnded
	r.toPersonal(session.CallerId, types.WireEventCallRejected, types.CallStatusMessage{
		RoomId: roomId,
		UserId: conn.UserId,
		Reason: reasonRejected,
	})
	r.collect(session)
	return nil
}

// callTimeout is sent by the caller once its ringing timer expired. Without a room id it
// applies to every call the connection started.
func (r *Relay) callTimeout(conn types.Connection, req types.CallTimeoutRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*types.CallSession, 0, 1)
	if req.RoomId != "" {
		session, err := r.session(req.RoomId)
		if err != nil {
			return err
		}
		if session.CallerId != conn.UserId {
			return types.Authorizationf("%s did not start call %s", conn.UserId, req.RoomId)
		}
		sessions = append(sessions, session)
	} else {
		for _, s := range r.sessions {
			if s.CallerConnectionId == conn.Id {
				sessions = append(sessions, s)
			}
		}
		if len(sessions) == 0 {
			return types.NotFoundf("no call started by this connection")
		}
	}

	for _, session := range sessions {
		targets := req.TargetUserIds
		if len(targets) == 0 {
			targets = session.Ringing()
		}
		sort.Strings(targets)
		for _, t := range targets {
			if session.Targets[t] != types.CallStateRinging {
				continue
			}
			session.Targets[t] = types.CallStateEnded
			r.toPersonal(session.CallerId, types.WireEventCallTimeout, types.CallStatusMessage{
				RoomId: session.RoomId,
				UserId: t,
				Reason: reasonTimeout,
			})
		}
		r.collect(session)
	}
	return nil
}

func (r *Relay) endCall(conn types.Connection, roomId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.session(roomId)
	if err != nil {
		return err
	}
	if !session.Participant(conn.UserId) {
		return types.Authorizationf("%s is not part of call %s", conn.UserId, roomId)
	}
	r.end(session, conn.UserId)
	return nil
}

// HandleDisconnect ends every call room in affected as well as the ringing calls the
// connection started.
func (r *Relay) HandleDisconnect(conn types.Connection, affected []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, roomId := range affected {
		kind, _, err := types.ParseRoomId(roomId)
		if err != nil || kind != types.RoomKindCall {
			continue
		}
		if session, ok := r.sessions[roomId]; ok {
			r.end(session, conn.UserId)
			continue
		}
		// call room without a session, just empty it
		r.evict(roomId)
	}
	for _, session := range r.sessions {
		if session.CallerConnectionId == conn.Id {
			r.end(session, conn.UserId)
		}
	}
}

// end notifies the call room and the still ringing targets, empties the call room and drops
// the session. Callers hold r.mu.
func (r *Relay) end(session *types.CallSession, endedBy string) {
	msg := types.CallEndedMessage{RoomId: session.RoomId, EndedBy: endedBy}
	if _, err := r.registry.Broadcast(session.RoomId, types.WireEventCallEnded, msg, room.BroadcastOptions{}); err != nil && !errors.Is(err, types.ErrNotFound) {
		r.logger.Warn("could not announce call end", "room", session.RoomId, "error", err)
	}
	ringing := session.Ringing()
	sort.Strings(ringing)
	for _, t := range ringing {
		r.toPersonal(t, types.WireEventCallEnded, msg)
	}
	if !session.Connected() && session.CallerId != endedBy {
		// the caller never joined the call room
		r.toPersonal(session.CallerId, types.WireEventCallEnded, msg)
	}
	for t := range session.Targets {
		session.Targets[t] = types.CallStateEnded
	}
	r.evict(session.RoomId)
	delete(r.sessions, session.RoomId)
	r.logger.Debug("call ended", "room", session.RoomId, "by", endedBy)
}

func (r *Relay) evict(roomId string) {
	members, err := r.registry.Members(roomId)
	if err != nil {
		return
	}
	for _, m := range members {
		if err := r.registry.Leave(m.Id, roomId); err != nil && !errors.Is(err, types.ErrNotFound) {
			r.logger.Warn("could not leave call room", "room", roomId, "connection", m.Id, "error", err)
		}
	}
}

// collect drops a session that can no longer connect. Callers hold r.mu.
func (r *Relay) collect(session *types.CallSession) {
	if session.Finished() {
		delete(r.sessions, session.RoomId)
		r.logger.Debug("call finished", "room", session.RoomId)
	}
}

func (r *Relay) signal(conn types.Connection, event string, req types.SignalRequest) error {
	if req.TargetUserId == "" {
		return types.Validationf("missing target user id")
	}
	if err := validateSignal(event, req.Payload); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.session(req.RoomId)
	if err != nil {
		return err
	}
	if !r.active(session, conn.UserId) || !r.active(session, req.TargetUserId) {
		return types.Authorizationf("%s and %s are not both part of call %s", conn.UserId, req.TargetUserId, req.RoomId)
	}
	r.toPersonal(req.TargetUserId, event, types.SignalMessage{
		RoomId:     req.RoomId,
		FromUserId: conn.UserId,
		Payload:    req.Payload,
	})
	return nil
}

func (r *Relay) active(session *types.CallSession, userId string) bool {
	if userId == session.CallerId {
		return true
	}
	state, ok := session.Targets[userId]
	return ok && state != types.CallStateEnded
}

func (r *Relay) session(roomId string) (*types.CallSession, error) {
	kind, _, err := types.ParseRoomId(roomId)
	if err != nil {
		return nil, err
	}
	if kind != types.RoomKindCall {
		return nil, types.Validationf("%s is not a call room", roomId)
	}
	session, ok := r.sessions[roomId]
	if !ok {
		return nil, types.NotFoundf("no call %s", roomId)
	}
	return session, nil
}

func (r *Relay) toPersonal(userId, event string, payload interface{}) {
	roomId := types.PersonalRoomId(userId)
	if _, err := r.registry.Broadcast(roomId, event, payload, room.BroadcastOptions{}); err != nil {
		r.logger.Debug("could not reach user", "user", userId, "event", event, "error", err)
	}
}

// validateSignal checks that an offer or answer carries a parseable session description of the
// right type and that an ICE candidate has the expected shape. The payload itself is relayed
// unchanged.
func validateSignal(event string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return types.Validationf("missing payload")
	}
	switch event {
	case types.WireEventOffer, types.WireEventAnswer:
		sd := webrtc.SessionDescription{}
		if err := json.Unmarshal(payload, &sd); err != nil {
			return types.Validationf("invalid session description: %s", err)
		}
		if event == types.WireEventOffer && sd.Type != webrtc.SDPTypeOffer {
			return types.Validationf("expected an offer, got %s", sd.Type)
		}
		if event == types.WireEventAnswer && sd.Type != webrtc.SDPTypeAnswer && sd.Type != webrtc.SDPTypePranswer {
			return types.Validationf("expected an answer, got %s", sd.Type)
		}
		if _, err := sd.Unmarshal(); err != nil {
			return types.Validationf("invalid sdp: %s", err)
		}
	case types.WireEventIceCandidate:
		candidate := webrtc.ICECandidateInit{}
		if err := json.Unmarshal(payload, &candidate); err != nil {
			return types.Validationf("invalid ice candidate: %s", err)
		}
		if candidate.Candidate != "" && candidate.SDPMid == nil && candidate.SDPMLineIndex == nil {
			return types.Validationf("ice candidate needs sdpMid or sdpMLineIndex")
		}
	}
	return nil
}
