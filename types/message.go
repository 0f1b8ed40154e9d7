package types

import (
	"math"
	"time"
)

// ChatMessage is a chat line after the server stamped it.
type ChatMessage struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinates of a location update.
type Coordinates struct {
	Latitude  float64  `json:"latitude" mapstructure:"latitude"`
	Longitude float64  `json:"longitude" mapstructure:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty" mapstructure:"accuracy"`
}

// Validate checks the coordinate ranges.
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return Validationf("latitude out of range")
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return Validationf("longitude out of range")
	}
	if c.Accuracy != nil && (math.IsNaN(*c.Accuracy) || *c.Accuracy < 0) {
		return Validationf("accuracy must not be negative")
	}
	return nil
}

// LocationUpdate is a location broadcast after the server stamped it.
type LocationUpdate struct {
	RoomId    string      `json:"roomId"`
	UserId    string      `json:"userId"`
	Coords    Coordinates `json:"coords"`
	Timestamp time.Time   `json:"timestamp"`
}
