package httpapi

import (
	"sync"

	orchestration "github.com/koscakluka/ema-calls/core"
)

// sessions tracks the calls currently connected to this process.
type sessions struct {
	mu     sync.Mutex
	byRoom map[string]*orchestration.Orchestrator
}

func newSessions() *sessions {
	return &sessions{byRoom: make(map[string]*orchestration.Orchestrator)}
}

func (s *sessions) add(roomID string, session *orchestration.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRoom[roomID] = session
}

// remove drops the session only if it is still the one registered for the
// room.
func (s *sessions) remove(roomID string, session *orchestration.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byRoom[roomID] == session {
		delete(s.byRoom, roomID)
	}
}

func (s *sessions) get(roomID string) (*orchestration.Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byRoom[roomID]
	return session, ok
}

func (s *sessions) all() []*orchestration.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*orchestration.Orchestrator, 0, len(s.byRoom))
	for _, session := range s.byRoom {
		all = append(all, session)
	}
	return all
}
