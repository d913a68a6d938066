package eventlog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/pkg/id"
)

// Reserved topics.
const (
	// TopicContext frames, appended in the root context, create a context
	// whose id is the frame's id.
	TopicContext = "xs.context"
	// TopicThreshold marks the end of replay in a followed read.
	TopicThreshold = "xs.threshold"
	// TopicPulse is the topic of synthetic heartbeat frames.
	TopicPulse = "xs.pulse"
	// TopicStart is appended once each time a server opens the log.
	TopicStart = "xs.start"
)

const maxTopicLen = 255

// TTLKind enumerates retention policies.
type TTLKind uint8

const (
	TTLForever TTLKind = iota
	TTLEphemeral
	TTLTime
	TTLHead
)

// TTL is the retention policy attached to a frame at append time.
type TTL struct {
	Kind     TTLKind
	Duration time.Duration
	N        uint32
}

var (
	// Forever retains a frame until explicitly removed.
	Forever = TTL{Kind: TTLForever}
	// Ephemeral frames are only delivered to live followers.
	Ephemeral = TTL{Kind: TTLEphemeral}
)

// Time retains a frame for d after its id timestamp.
func Time(d time.Duration) TTL { return TTL{Kind: TTLTime, Duration: d} }

// Head keeps only the newest n frames of the same (context, topic).
func Head(n uint32) TTL { return TTL{Kind: TTLHead, N: n} }

func (t TTL) String() string {
	switch t.Kind {
	case TTLEphemeral:
		return "ephemeral"
	case TTLTime:
		return "time:" + strconv.FormatInt(t.Duration.Milliseconds(), 10)
	case TTLHead:
		return "head:" + strconv.FormatUint(uint64(t.N), 10)
	default:
		return "forever"
	}
}

// Label is the metric label for the policy kind.
func (t TTL) Label() string {
	s := t.String()
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Validate rejects Head(0) and non-positive durations.
func (t TTL) Validate() error {
	switch t.Kind {
	case TTLForever, TTLEphemeral:
		return nil
	case TTLTime:
		if t.Duration <= 0 {
			return fmt.Errorf("%w: time ttl must be positive", ErrInvalidTTL)
		}
	case TTLHead:
		if t.N < 1 {
			return fmt.Errorf("%w: head ttl must be >= 1", ErrInvalidTTL)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTTL, t.Kind)
	}
	return nil
}

// maxTTLMillis is the longest time:<ms> that fits a time.Duration.
const maxTTLMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// ParseTTL accepts forever, ephemeral, time:<ms>, head:<n>. Empty means forever.
func ParseTTL(s string) (TTL, error) {
	switch s {
	case "", "forever":
		return Forever, nil
	case "ephemeral":
		return Ephemeral, nil
	}
	kind, arg, ok := strings.Cut(s, ":")
	if !ok {
		return TTL{}, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
	}
	var t TTL
	switch kind {
	case "time":
		ms, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || ms > maxTTLMillis {
			return TTL{}, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
		}
		t = Time(time.Duration(ms) * time.Millisecond)
	case "head":
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return TTL{}, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
		}
		t = Head(uint32(n))
	default:
		return TTL{}, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
	}
	return t, t.Validate()
}

// MarshalText implements encoding.TextMarshaler.
func (t TTL) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TTL) UnmarshalText(b []byte) error {
	v, err := ParseTTL(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Frame is the immutable unit of the log.
type Frame struct {
	ID        id.ID           `json:"id"`
	Topic     string          `json:"topic"`
	ContextID id.ID           `json:"context_id"`
	Hash      *cas.Hash       `json:"hash,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	TTL       TTL             `json:"ttl"`
}

// Expired reports whether a Time TTL has elapsed at nowMs.
func (f Frame) Expired(nowMs int64) bool {
	if f.TTL.Kind != TTLTime {
		return false
	}
	return uint64(nowMs) >= f.deadline()
}

func (f Frame) deadline() uint64 {
	return f.ID.Ms() + uint64(f.TTL.Duration.Milliseconds())
}

// MetaString returns a string field from Meta, or "".
func (f Frame) MetaString(key string) string {
	v, ok := f.MetaValue(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// MetaValue returns a decoded field from Meta.
func (f Frame) MetaValue(key string) (interface{}, bool) {
	if len(f.Meta) == 0 {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(f.Meta, &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// MetaInt returns an integer field from Meta.
func (f Frame) MetaInt(key string) (int64, bool) {
	v, ok := f.MetaValue(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// MetaBool returns a boolean field from Meta.
func (f Frame) MetaBool(key string) bool {
	v, _ := f.MetaValue(key)
	b, _ := v.(bool)
	return b
}

// MetaOf encodes kv as a frame meta document.
func MetaOf(kv map[string]interface{}) json.RawMessage {
	if len(kv) == 0 {
		return nil
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return nil
	}
	return b
}

// ValidateTopic enforces the topic grammar: ASCII letters, digits, '_',
// '-', '.', ':'; not starting with '.' or '-', not ending with '.'.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLen)
	}
	if topic[0] == '.' || topic[0] == '-' || topic[len(topic)-1] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.', c == ':':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}

