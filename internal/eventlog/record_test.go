package eventlog

import (
	"errors"
	"testing"
	"time"

	"github.com/rzbill/xs/pkg/id"
)

func TestSealOpenRecord(t *testing.T) {
	rec := sealRecord(7, []byte("body"))
	v, body, ok := openRecord(rec)
	if !ok || v != 7 || string(body) != "body" {
		t.Fatalf("open: %v %d %q", ok, v, body)
	}
	for i := range rec {
		bad := append([]byte(nil), rec...)
		bad[i] ^= 0x01
		if _, _, ok := openRecord(bad); ok {
			t.Fatalf("flipping byte %d went unnoticed", i)
		}
	}
	if _, _, ok := openRecord(rec[:3]); ok {
		t.Fatalf("short record accepted")
	}
}

func TestFrameRecordRoundtrip(t *testing.T) {
	in := Frame{ID: id.FromMs(42), Topic: "a", TTL: Head(3), Meta: MetaOf(map[string]interface{}{"k": "v"})}
	b, err := encodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := decodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ID != in.ID || f.Topic != "a" || f.TTL != Head(3) || f.MetaString("k") != "v" {
		t.Fatalf("unexpected frame %+v", f)
	}
	b[len(b)/2] ^= 0x01
	if _, err := decodeFrame(b); !errors.Is(err, errCorruptRecord) {
		t.Fatalf("expected corrupt record error, got %v", err)
	}
}

func TestFrameRecordLongTimeTTL(t *testing.T) {
	in := Frame{ID: id.FromMs(7), Topic: "a.long", TTL: Time(60 * 24 * time.Hour)}
	b, err := encodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := decodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.TTL != in.TTL {
		t.Fatalf("ttl %v want %v", f.TTL, in.TTL)
	}
}

func TestFrameRecordRejectsUnknownVersion(t *testing.T) {
	if _, err := decodeFrame(sealRecord(recordVersion+1, []byte(`{}`))); !errors.Is(err, errCorruptRecord) {
		t.Fatalf("expected version error, got %v", err)
	}
}
