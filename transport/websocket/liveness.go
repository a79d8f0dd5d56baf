package websocket

import (
	"sync"
	"time"
)

// LivenessState is the heartbeat state of one connection.
type LivenessState int

const (
	Alive LivenessState = iota
	AwaitingPong
	Terminated
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting-pong"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Monitor is the per-connection heartbeat state machine:
//
//	Alive --ping sent--> AwaitingPong --pong--> Alive
//	AwaitingPong --timeout--> Terminated
//
// onTimeout runs once, on its own goroutine, when the connection is declared
// dead. Stop moves to Terminated without calling it.
type Monitor struct {
	timeout   time.Duration
	onTimeout func()

	mu    sync.Mutex
	state LivenessState
	timer *time.Timer
	gen   uint64
}

// NewMonitor creates a monitor in the Alive state.
func NewMonitor(timeout time.Duration, onTimeout func()) *Monitor {
	return &Monitor{timeout: timeout, onTimeout: onTimeout}
}

// PingSent records that a ping went out. The timeout is armed on the first
// unanswered ping and is not extended by further pings.
func (m *Monitor) PingSent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Alive {
		return
	}
	m.state = AwaitingPong
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(gen) })
}

// PongReceived returns the monitor to Alive.
func (m *Monitor) PongReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != AwaitingPong {
		return
	}
	m.state = Alive
	m.stopTimerLocked()
}

// State returns the current state.
func (m *Monitor) State() LivenessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop terminates the monitor without firing onTimeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Terminated
	m.stopTimerLocked()
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if m.state != AwaitingPong || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = Terminated
	m.timer = nil
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout()
	}
}
