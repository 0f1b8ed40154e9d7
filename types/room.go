package types

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// RoomKind is derived from the prefix of a room id.
type RoomKind string

const (
	RoomKindPersonal RoomKind = "personal"
	RoomKindEvent    RoomKind = "event"
	RoomKindChat     RoomKind = "chat"
	RoomKindCall     RoomKind = "call"
)

const roomIdSeparator = ":"

// ParseRoomId splits a room id of the form "<kind>:<name>". Ids with an unknown kind or an
// empty name are rejected.
func ParseRoomId(roomId string) (RoomKind, string, error) {
	parts := strings.SplitN(roomId, roomIdSeparator, 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", Validationf("invalid room id %q", roomId)
	}
	kind := RoomKind(parts[0])
	switch kind {
	case RoomKindPersonal, RoomKindEvent, RoomKindChat, RoomKindCall:
		return kind, parts[1], nil
	}
	return "", "", Validationf("unknown room kind in %q", roomId)
}

// RoomId builds the id of a room of the given kind.
func RoomId(kind RoomKind, name string) string {
	return string(kind) + roomIdSeparator + name
}

// PersonalRoomId is the room every connection of userId joins on authentication.
func PersonalRoomId(userId string) string {
	return RoomId(RoomKindPersonal, userId)
}

// RoomEvent is a persisted chat message or location update.
type RoomEvent struct {
	Id        string         `json:"id" gorm:"primaryKey"`
	RoomId    string         `json:"room_id" gorm:"index:room_events_room_created,priority:1;not null"`
	UserId    string         `json:"user_id"`
	Name      string         `json:"name" gorm:"not null"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `json:"created_at" gorm:"index:room_events_room_created,priority:2;not null"`
}
