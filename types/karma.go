package types

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KarmaType classifies why points were awarded.
type KarmaType string

const (
	KarmaTypeParticipation KarmaType = "participation"
	KarmaTypeOrganization  KarmaType = "organization"
	KarmaTypeCreation      KarmaType = "creation"
	KarmaTypeContribution  KarmaType = "contribution"
)

// Valid reports whether t is one of the enumerated karma types.
func (t KarmaType) Valid() bool {
	switch t {
	case KarmaTypeParticipation, KarmaTypeOrganization, KarmaTypeCreation, KarmaTypeContribution:
		return true
	}
	return false
}

// KarmaEvent is one immutable entry of the karma ledger.
type KarmaEvent struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	UserId    string    `json:"user_id" gorm:"index:karma_events_user_created,priority:1;not null"`
	Points    int64     `json:"points" gorm:"not null"`
	Type      KarmaType `json:"type" gorm:"not null"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at" gorm:"index:karma_events_user_created,priority:2;not null"`
}

// Cursor returns the history cursor pointing at this event.
func (e KarmaEvent) Cursor() HistoryCursor {
	return HistoryCursor{CreatedAt: e.CreatedAt, Id: e.Id}
}

// KarmaTotal is a single row of a totals snapshot.
type KarmaTotal struct {
	UserId string `json:"user_id"`
	Total  int64  `json:"total"`
}

// LeaderboardEntry is derived from the ledger on every query and never stored.
type LeaderboardEntry struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Total       int64  `json:"total"`
	Rank        int    `json:"rank"`
}

// HistoryCursor marks a position in a user's history. Pages continue strictly after
// (older than) the event the cursor points at.
type HistoryCursor struct {
	CreatedAt time.Time
	Id        string
}

// IsZero reports whether the cursor points at the newest end of the history.
func (c HistoryCursor) IsZero() bool {
	return c.Id == "" && c.CreatedAt.IsZero()
}

// Before reports whether e sorts after the cursor position in newest-first order.
func (c HistoryCursor) Before(e KarmaEvent) bool {
	if c.IsZero() {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.Id < c.Id
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// Encode returns the opaque wire form of the cursor.
func (c HistoryCursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.Id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHistoryCursor parses a cursor produced by HistoryCursor.Encode. An empty string
// yields the zero cursor.
func DecodeHistoryCursor(s string) (HistoryCursor, error) {
	if s == "" {
		return HistoryCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return HistoryCursor{}, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	return HistoryCursor{CreatedAt: time.Unix(0, nanos).UTC(), Id: parts[1]}, nil
}

// HistoryPage is one page of a user's karma history.
type HistoryPage struct {
	Events     []KarmaEvent `json:"events"`
	NextCursor string       `json:"next_cursor,omitempty"`
}
