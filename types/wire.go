package types

import (
	"encoding/json"
)

// Inbound wire events.
const (
	WireEventAuthenticate   = "authenticate"
	WireEventJoinRoom       = "join-room"
	WireEventLeaveRoom      = "leave-room"
	WireEventSendMessage    = "send-message"
	WireEventUpdateLocation = "update-location"
	WireEventStartCall      = "start-call"
	WireEventAcceptCall     = "accept-call"
	WireEventRejectCall     = "reject-call"
	WireEventOffer          = "offer"
	WireEventAnswer         = "answer"
	WireEventIceCandidate   = "ice-candidate"
	WireEventEndCall        = "end-call"
	WireEventCallTimeout    = "call-timeout"
)

// Outbound wire events.
const (
	WireEventAuthenticated = "authenticated"
	WireEventRoomJoined    = "room-joined"
	WireEventRoomLeft      = "room-left"
	WireEventMessage       = "message"
	WireEventLocation      = "location"
	WireEventMemberLeft    = "member-left"
	WireEventIncomingCall  = "incoming-call"
	WireEventCallStarted   = "call-started"
	WireEventCallAccepted  = "call-accepted"
	WireEventCallRejected  = "call-rejected"
	WireEventCallEnded     = "call-ended"
	WireEventError         = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWebsocketMessage marshals data and wraps it in the wire envelope.
func NewWebsocketMessage(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: raw})
}

// The different types of messages transferred from the client to here.

type AuthenticateRequest struct {
	Token string `mapstructure:"token"`
}

type RoomRequest struct {
	RoomId string `mapstructure:"roomId"`
}

type SendMessageRequest struct {
	RoomId  string `mapstructure:"roomId"`
	Content string `mapstructure:"content"`
}

type UpdateLocationRequest struct {
	RoomId string      `mapstructure:"roomId"`
	Coords Coordinates `mapstructure:"coords"`
}

type StartCallRequest struct {
	TargetUserIds []string `mapstructure:"targetUserIds"`
}

type CallTimeoutRequest struct {
	RoomId        string   `mapstructure:"roomId"`
	TargetUserIds []string `mapstructure:"targetUserIds"`
}

// SignalRequest carries offer, answer and ice-candidate frames. Payload is kept as the raw
// JSON the client sent so it can be relayed verbatim.
type SignalRequest struct {
	RoomId       string          `json:"roomId"`
	TargetUserId string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

// And the ones sent from here to the clients.

type AuthenticatedMessage struct {
	UserId       string `json:"userId"`
	ConnectionId string `json:"connectionId"`
	RoomId       string `json:"roomId"`
}

// RoomAck confirms a join or leave. A join ack carries the latest stored events of the room,
// newest first.
type RoomAck struct {
	RoomId  string      `json:"roomId"`
	History []RoomEvent `json:"history,omitempty"`
}

type MemberLeftMessage struct {
	RoomId       string `json:"roomId"`
	UserId       string `json:"userId"`
	ConnectionId string `json:"connectionId"`
}

type IncomingCallMessage struct {
	RoomId   string `json:"roomId"`
	CallerId string `json:"callerId"`
}

type CallStartedMessage struct {
	RoomId        string   `json:"roomId"`
	TargetUserIds []string `json:"targetUserIds"`
}

type CallStatusMessage struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CallEndedMessage struct {
	RoomId  string `json:"roomId"`
	EndedBy string `json:"endedBy"`
}

type SignalMessage struct {
	RoomId     string          `json:"roomId"`
	FromUserId string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	RoomId  string `json:"roomId,omitempty"`
}
