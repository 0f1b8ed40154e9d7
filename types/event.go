package types

import "time"

// CallState of one target within a call attempt.
type CallState int

const (
	CallStateIdle CallState = iota
	CallStateRinging
	CallStateConnected
	CallStateEnded
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateRinging:
		return "ringing"
	case CallStateConnected:
		return "connected"
	case CallStateEnded:
		return "ended"
	}
	return "unknown"
}

// CallSession is the ephemeral signaling state of one call attempt.
type CallSession struct {
	RoomId             string
	CallerId           string
	CallerConnectionId string
	Targets            map[string]CallState
	CreatedAt          time.Time
}

// Participant reports whether userId is the caller or one of the targets.
func (s *CallSession) Participant(userId string) bool {
	if userId == s.CallerId {
		return true
	}
	_, ok := s.Targets[userId]
	return ok
}

// Ringing returns the targets that have not answered yet.
func (s *CallSession) Ringing() []string {
	return s.inState(CallStateRinging)
}

// Connected reports whether any target accepted the call.
func (s *CallSession) Connected() bool {
	return len(s.inState(CallStateConnected)) > 0
}

// Finished reports whether every target has ended.
func (s *CallSession) Finished() bool {
	return len(s.inState(CallStateEnded)) == len(s.Targets)
}

func (s *CallSession) inState(state CallState) []string {
	res := make([]string, 0, len(s.Targets))
	for userId, st := range s.Targets {
		if st == state {
			res = append(res, userId)
		}
	}
	return res
}
