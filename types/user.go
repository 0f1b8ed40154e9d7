package types

import "time"

type User struct {
	Id          string    `json:"id" gorm:"primaryKey"` // subject of the verified credential, unique
	DisplayName string    `json:"display_name"`         // shown on the leaderboard
	LastOnline  time.Time `json:"last_online"`          // last successful authentication
	CreatedAt   time.Time `json:"created_at"`           // first seen
}

// Name returns the display name, falling back to the user id.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Id
}

// Connection is one authenticated, live bidirectional channel. Room membership of a
// connection is owned by the room registry.
type Connection struct {
	Id              string    `json:"connection_id"`
	UserId          string    `json:"user_id"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}
