package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/xs/pkg/id"
)

// FollowMode controls whether a read ends after replay or keeps tailing.
type FollowMode struct {
	Enabled bool
	// Heartbeat, when positive, emits a Heartbeat event after this long
	// without a delivered frame.
	Heartbeat time.Duration
}

var (
	FollowOff = FollowMode{}
	FollowOn  = FollowMode{Enabled: true}
)

// FollowWithHeartbeat follows and emits heartbeats every d of idleness.
func FollowWithHeartbeat(d time.Duration) FollowMode {
	return FollowMode{Enabled: true, Heartbeat: d}
}

func (m FollowMode) String() string {
	switch {
	case !m.Enabled:
		return "off"
	case m.Heartbeat > 0:
		return strconv.FormatInt(m.Heartbeat.Milliseconds(), 10)
	default:
		return "on"
	}
}

// ParseFollow parses the follow query value. An empty value (the parameter
// given without one), "yes", and "true" follow; a number follows with a
// heartbeat of that many milliseconds; "no" and "false" do not follow.
func ParseFollow(s string) (FollowMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yes", "true", "on":
		return FollowOn, nil
	case "no", "false", "off":
		return FollowOff, nil
	}
	ms, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return FollowOff, fmt.Errorf("%w: %q", ErrInvalidFollow, s)
	}
	if ms == 0 {
		return FollowOn, nil
	}
	return FollowWithHeartbeat(time.Duration(ms) * time.Millisecond), nil
}

// Matcher is an additional predicate applied to frames after the topic and
// context filters.
type Matcher interface {
	Match(Frame) bool
}

// ReadOptions selects the frames of a read.
type ReadOptions struct {
	// After is an exclusive cursor. Nil starts from the beginning.
	After *id.ID
	// Topic, when set, is matched exactly.
	Topic string
	// ContextID, when set, restricts the read to one context.
	ContextID *id.ID
	// Limit bounds the number of frames delivered. Zero is unbounded.
	Limit int
	// Tail skips replay: the read starts after the current last id.
	Tail   bool
	Follow FollowMode
	Filter Matcher
}

func (o ReadOptions) matches(f Frame) bool {
	if o.Topic != "" && f.Topic != o.Topic {
		return false
	}
	if o.ContextID != nil && f.ContextID != *o.ContextID {
		return false
	}
	if o.Filter != nil && !o.Filter.Match(f) {
		return false
	}
	return true
}

// scan visits persisted frames matching opts with ids in (after, upto], in
// ascending order, until fn returns false. Expired frames are skipped.
func (l *Log) scan(ctx context.Context, after *id.ID, upto id.ID, opts ReadOptions, fn func(Frame) bool) error {
	if upto.IsZero() {
		return nil
	}
	now := id.NowMs()
	var (
		visitErr error
		lower    []byte
		upper    []byte
	)
	visit := func(f Frame) bool {
		if err := ctx.Err(); err != nil {
			visitErr = err
			return false
		}
		if f.Expired(now) || !opts.matches(f) {
			return true
		}
		return fn(f)
	}

	if opts.Topic != "" && opts.ContextID != nil {
		// Exact (context, topic) reads walk the topic index.
		lower = keyTopicPrefix(*opts.ContextID, opts.Topic)
		if after != nil {
			lower = keyTopic(*opts.ContextID, opts.Topic, after.Next())
		}
		upper = keyTopic(*opts.ContextID, opts.Topic, upto.Next())
		err := l.db.ScanRange(lower, upper, false, func(k, _ []byte) bool {
			f, err := l.getStored(idFromSuffix(k))
			if errors.Is(err, ErrNotFound) {
				return true
			}
			if err != nil {
				visitErr = err
				return false
			}
			return visit(f)
		})
		if err != nil {
			return err
		}
		return visitErr
	}

	lower = framePrefix
	if after != nil {
		lower = keyFrame(after.Next())
	}
	upper = keyFrame(upto.Next())
	err := l.db.ScanRange(lower, upper, false, func(_, v []byte) bool {
		f, err := decodeFrame(v)
		if err != nil {
			visitErr = err
			return false
		}
		return visit(f)
	})
	if err != nil {
		return err
	}
	return visitErr
}

// Frames returns the frames a non-following read would deliver.
func (l *Log) Frames(ctx context.Context, opts ReadOptions) ([]Frame, error) {
	opts.Follow = FollowOff
	sub, err := l.Read(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	var out []Frame
	for ev := range sub.Events() {
		if ev.Kind == EventHistorical {
			out = append(out, ev.Frame)
		}
	}
	return out, sub.Err()
}
