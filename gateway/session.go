package gateway

import (
	"errors"
	"fmt"
	"sync"
)

var ErrIllegalSessionTransition = errors.New("illegal session transition")

// SessionState 连接会话状态。
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "DISCONNECTED"
	case SessionConnecting:
		return "CONNECTING"
	case SessionConnected:
		return "CONNECTED"
	case SessionStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionDisconnected: {SessionConnecting, SessionStopped},
	SessionConnecting:   {SessionConnected, SessionDisconnected, SessionStopped},
	SessionConnected:    {SessionDisconnected, SessionStopped},
	SessionStopped:      {SessionConnecting},
}

// Session 线程安全的会话状态机。
type Session struct {
	mu    sync.RWMutex
	state SessionState
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// To 校验并切换状态。
func (s *Session) To(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range sessionTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalSessionTransition, s.state, next)
}
