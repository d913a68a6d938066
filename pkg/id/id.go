package id

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a 128-bit, lexicographically sortable identifier laid out like a ULID:
// [6 bytes ms_timestamp][10 bytes monotonic entropy], big-endian.
type ID [16]byte

// Zero is the root context and the "no cursor" value.
var Zero ID

// ErrInvalid is returned by Parse for malformed input.
var ErrInvalid = errors.New("id: invalid identifier")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the 26-character lowercase Crockford base32 form.
func (i ID) String() string { return strings.ToLower(ulid.ULID(i).String()) }

// IsZero reports whether i is the zero identifier.
func (i ID) IsZero() bool { return i == Zero }

// Ms returns the embedded millisecond timestamp.
func (i ID) Ms() uint64 { return ulid.ULID(i).Time() }

// Time returns the embedded timestamp as a time.Time.
func (i ID) Time() time.Time { return ulid.Time(i.Ms()) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int { return ulid.ULID(i).Compare(ulid.ULID(other)) }

// Next returns the identifier immediately after i, used for exclusive cursors.
func (i ID) Next() ID {
	out := i
	for idx := 15; idx >= 0; idx-- {
		out[idx]++
		if out[idx] != 0 {
			break
		}
	}
	return out
}

// FromMs returns the smallest identifier carrying the given timestamp.
func FromMs(ms uint64) ID {
	var u ulid.ULID
	_ = u.SetTime(ms)
	return ID(u)
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Zero, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	var out ID
	copy(out[:], b)
	return out, nil
}

// Parse decodes the external string form. Case-insensitive.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return ID(u), nil
}

// MustParse is Parse for literals in tests and constants.
func MustParse(s string) ID {
	out, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	out, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = out
	return nil
}

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// maxStep bounds the random increment applied within a millisecond.
const maxStep = 1 << 16

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu      sync.Mutex
	last    ID
	entropy io.Reader
}

// NewGenerator creates a new Generator backed by crypto/rand.
func NewGenerator() *Generator { return &Generator{entropy: rand.Reader} }

// Observe raises the generator's floor to last, so ids issued after a
// restart stay above ids already persisted even if the clock moved back.
func (g *Generator) Observe(last ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last.Compare(g.last) > 0 {
		g.last = last
	}
}

// Last returns the most recently issued (or observed) ID.
func (g *Generator) Last() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Rollback resets the generator to prev, which must be the value Last
// returned before the Next being undone. Callers serialize Next/Rollback.
func (g *Generator) Rollback(prev ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = prev
}

// Next returns a new ID. If the clock goes backwards it reuses the last
// millisecond and increments the entropy; if the entropy would overflow it
// moves to the next logical millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(NowMs())
	lastMs := g.last.Ms()
	if ms < lastMs {
		ms = lastMs
	}

	var u ulid.ULID
	if ms == lastMs && !g.last.IsZero() {
		u = ulid.ULID(g.last)
		if increment(u[6:], g.step()) {
			_ = u.SetTime(ms)
			g.last = ID(u)
			return g.last
		}
		ms++
	}
	_ = u.SetTime(ms)
	g.fill(u[6:])
	g.last = ID(u)
	return g.last
}

// fill writes fresh entropy, keeping the top bit clear so a millisecond
// always has room for at least 2^79 increments.
func (g *Generator) fill(dst []byte) {
	if _, err := io.ReadFull(g.entropy, dst); err != nil {
		for i := range dst {
			dst[i] = 0
		}
	}
	dst[0] &= 0x7f
}

func (g *Generator) step() uint64 {
	var b [2]byte
	if _, err := io.ReadFull(g.entropy, b[:]); err != nil {
		return 1
	}
	return uint64(binary.BigEndian.Uint16(b[:]))%maxStep + 1
}

// increment adds step to the 80-bit big-endian counter in dst. It reports
// false on overflow, leaving dst unspecified.
func increment(dst []byte, step uint64) bool {
	lo := binary.BigEndian.Uint64(dst[2:])
	hi := binary.BigEndian.Uint16(dst[:2])
	sum := lo + step
	if sum < lo {
		if hi == ^uint16(0) {
			return false
		}
		hi++
	}
	binary.BigEndian.PutUint16(dst[:2], hi)
	binary.BigEndian.PutUint64(dst[2:], sum)
	return true
}
