package supervisor

import (
	"time"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
)

// State is the lifecycle state of a supervised module.
type State string

const (
	StateStopped           State = "stopped"
	StateStarting          State = "starting"
	StateRunning           State = "running"
	StateFailed            State = "failed"
	StateRestarting        State = "restarting"
	StatePermanentlyFailed State = "permanently_failed"
)

// RuntimeState is a read-only snapshot of one module.
type RuntimeState struct {
	Name          string    `json:"name"`
	Command       []string  `json:"command"`
	State         State     `json:"state"`
	PID           int       `json:"pid,omitempty"`
	Alive         bool      `json:"alive"`
	RetryCount    int       `json:"retry_count"`
	CrashCount    int       `json:"crash_count"`
	MaxRetries    int       `json:"max_retries"`
	Critical      bool      `json:"critical"`
	LastStartTime time.Time `json:"last_start_time,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type module struct {
	desc  registry.Descriptor
	state State
	proc  *process

	retryCount int
	crashCount int
	lastStart  time.Time
	lastErr    string

	// pendingReset is set after a restart; the next monitor cycle that finds
	// the process alive clears retryCount.
	pendingReset bool

	// cleanup is closed once the group of the last crashed instance has
	// been terminated. Nil when there is nothing to wait for.
	cleanup <-chan struct{}
}

func (m *module) snapshot() RuntimeState {
	st := RuntimeState{
		Name:          m.desc.Name,
		Command:       append([]string(nil), m.desc.Command...),
		State:         m.state,
		RetryCount:    m.retryCount,
		CrashCount:    m.crashCount,
		MaxRetries:    m.desc.MaxRetries,
		Critical:      m.desc.Critical,
		LastStartTime: m.lastStart,
		LastError:     m.lastErr,
	}
	if m.proc != nil {
		st.PID = m.proc.handle.PID()
		st.Alive = m.proc.handle.Alive()
	}
	return st
}
