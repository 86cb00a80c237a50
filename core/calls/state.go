package calls

import "sync/atomic"

// CallState is shared by everything that can end a call. The end-recorded
// flag goes from false to true at most once and is never reset.
type CallState struct {
	RoomID string

	started     atomic.Bool
	endRecorded atomic.Bool
	endReason   atomic.Pointer[string]
}

func NewCallState(roomID string) *CallState {
	return &CallState{RoomID: roomID}
}

func (s *CallState) MarkStarted() {
	s.started.Store(true)
}

func (s *CallState) Started() bool {
	return s.started.Load()
}

func (s *CallState) EndRecorded() bool {
	return s.endRecorded.Load()
}

// EndReason returns the reason the call was ended with, if it was.
func (s *CallState) EndReason() (string, bool) {
	reason := s.endReason.Load()
	if reason == nil {
		return "", false
	}
	return *reason, true
}

// claimEnd reports whether the caller won the right to end the call.
func (s *CallState) claimEnd(reason string) bool {
	if !s.endRecorded.CompareAndSwap(false, true) {
		return false
	}
	s.endReason.Store(&reason)
	return true
}
