package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind identifies a category of event on the bus.
type Kind string

// Mode control.
const (
	KindModeChanged Kind = "mode_changed"
)

// Motion.
const (
	KindMovementCommand  Kind = "movement_command"
	KindEmergencyStop    Kind = "emergency_stop"
	KindNavigationStatus Kind = "navigation_status"
	KindObstacleDetected Kind = "obstacle_detected"
	KindGoalReached      Kind = "goal_reached"
	KindNavigationGoal   Kind = "navigation_goal"
)

// Perception.
const (
	KindEmotionDetected Kind = "emotion_detected"
	KindCameraFrame     Kind = "camera_frame"
)

// Conversation.
const (
	KindVoiceInput  Kind = "voice_input"
	KindVoiceOutput Kind = "voice_output"
	KindLLMRequest  Kind = "llm_request"
	KindLLMResponse Kind = "llm_response"
)

// Presentation.
const (
	KindFaceEmotion Kind = "face_emotion"
	KindFaceStatus  Kind = "face_status"
	KindFaceText    Kind = "face_text"
)

// System.
const (
	KindBatteryStatus Kind = "battery_status"
	KindModuleStarted Kind = "module_started"
	KindModuleStopped Kind = "module_stopped"
	KindModuleError   Kind = "module_error"
)

var knownKinds = []Kind{
	KindModeChanged,
	KindMovementCommand,
	KindEmergencyStop,
	KindNavigationStatus,
	KindObstacleDetected,
	KindGoalReached,
	KindNavigationGoal,
	KindEmotionDetected,
	KindCameraFrame,
	KindVoiceInput,
	KindVoiceOutput,
	KindLLMRequest,
	KindLLMResponse,
	KindFaceEmotion,
	KindFaceStatus,
	KindFaceText,
	KindBatteryStatus,
	KindModuleStarted,
	KindModuleStopped,
	KindModuleError,
}

var kindSet = func() map[Kind]struct{} {
	set := make(map[Kind]struct{}, len(knownKinds))
	for _, k := range knownKinds {
		set[k] = struct{}{}
	}
	return set
}()

// Kinds returns every kind the bus accepts.
func Kinds() []Kind {
	out := make([]Kind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// Valid reports whether k belongs to the closed set of kinds.
func (k Kind) Valid() bool {
	_, ok := kindSet[k]
	return ok
}

// ParseKind converts a wire name into a Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("eventbus: unknown event kind %q", raw)
	}
	return k, nil
}

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceNavigation Source = "navigation"
	SourceSimulation Source = "simulation"
	SourceOperator   Source = "operator"
	SourceController Source = "controller"
	SourceUnknown    Source = "unknown"
)

// Event is the unit of communication on the bus. Events are treated as
// immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload,omitempty"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the bus instance that first published the event.
	Origin string `json:"origin,omitempty"`
}

// IsZero reports whether the event was never stamped by a bus.
func (e Event) IsZero() bool {
	return e.ID == ""
}

// Handler consumes events delivered to a subscription. A returned error is
// logged and counted; it never affects other subscribers.
type Handler func(ctx context.Context, evt Event) error

// Payload carries the event body as loosely typed key/value pairs. Accessors
// tolerate numbers decoded from JSON.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key when it is a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

// StringOr returns the string at key or fallback.
func (p Payload) StringOr(key, fallback string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return fallback
}

// Float returns the value at key as a float64.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns the value at key as an int. Fractional values are truncated.
func (p Payload) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// Bool returns the value at key as a bool.
func (p Payload) Bool(key string) (bool, bool) {
	v, ok := p[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
