package eventlog

import (
	"encoding/binary"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/pkg/id"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - f/{id}                          frame record
// - t/{ctx}{topic}0xFF{id}          topic index
// - h/{ctx}{topic}                  head index -> id
// - c/{ctx}                         context index -> empty
// - r/{hash}0x00{id}                payload reference index
// - x/{deadline_be8}{id}            expiry index for time ttl
// - k/{name}                        durable named cursor -> id
//
// Topics never contain 0xFF (ValidateTopic allows ASCII only) so the topic
// index separator cannot collide with topic bytes.

var (
	framePrefix   = []byte("f/")
	topicPrefix   = []byte("t/")
	headPrefix    = []byte("h/")
	contextPrefix = []byte("c/")
	refPrefix     = []byte("r/")
	expiryPrefix  = []byte("x/")
	cursorPrefix  = []byte("k/")
)

const topicSep = 0xFF

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyFrame(fid id.ID) []byte {
	k := make([]byte, 0, len(framePrefix)+16)
	k = append(k, framePrefix...)
	return append(k, fid[:]...)
}

func frameIDFromKey(k []byte) (id.ID, bool) {
	if len(k) != len(framePrefix)+16 {
		return id.Zero, false
	}
	out, err := id.FromBytes(k[len(framePrefix):])
	return out, err == nil
}

// keyTopicPrefix covers every topic-index entry of (ctx, topic).
func keyTopicPrefix(ctx id.ID, topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+16+len(topic)+1)
	k = append(k, topicPrefix...)
	k = append(k, ctx[:]...)
	k = append(k, topic...)
	return append(k, topicSep)
}

func keyTopic(ctx id.ID, topic string, fid id.ID) []byte {
	return append(keyTopicPrefix(ctx, topic), fid[:]...)
}

func idFromSuffix(k []byte) id.ID {
	var out id.ID
	if len(k) >= 16 {
		copy(out[:], k[len(k)-16:])
	}
	return out
}

func keyHead(ctx id.ID, topic string) []byte {
	k := make([]byte, 0, len(headPrefix)+16+len(topic))
	k = append(k, headPrefix...)
	k = append(k, ctx[:]...)
	return append(k, topic...)
}

func keyContext(ctx id.ID) []byte {
	k := make([]byte, 0, len(contextPrefix)+16)
	k = append(k, contextPrefix...)
	return append(k, ctx[:]...)
}

func keyRefPrefix(h cas.Hash) []byte {
	k := make([]byte, 0, len(refPrefix)+len(h)+1)
	k = append(k, refPrefix...)
	k = append(k, h...)
	return append(k, 0x00)
}

func keyRef(h cas.Hash, fid id.ID) []byte {
	return append(keyRefPrefix(h), fid[:]...)
}

func keyExpiry(deadlineMs uint64, fid id.ID) []byte {
	k := make([]byte, 0, len(expiryPrefix)+8+16)
	k = append(k, expiryPrefix...)
	k = appendBE8(k, deadlineMs)
	return append(k, fid[:]...)
}

func keyCursor(name string) []byte {
	k := make([]byte, 0, len(cursorPrefix)+len(name))
	k = append(k, cursorPrefix...)
	return append(k, name...)
}
