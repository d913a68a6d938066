package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame records are stored as
//
//	version (1 byte) | crc32c(version|body) (4 bytes, big-endian) | body
//
// where body is the JSON encoded Frame.
const (
	recordVersion    = 1
	recordHeaderSize = 5
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("eventlog: corrupt frame record")

func sealRecord(version byte, body []byte) []byte {
	out := make([]byte, recordHeaderSize, recordHeaderSize+len(body))
	out[0] = version
	out = append(out, body...)
	crc := crc32.Update(crc32.Update(0, castagnoli, out[:1]), castagnoli, body)
	binary.BigEndian.PutUint32(out[1:recordHeaderSize], crc)
	return out
}

// openRecord verifies b and returns its version and body. The body aliases b.
func openRecord(b []byte) (byte, []byte, bool) {
	if len(b) < recordHeaderSize {
		return 0, nil, false
	}
	body := b[recordHeaderSize:]
	crc := crc32.Update(crc32.Update(0, castagnoli, b[:1]), castagnoli, body)
	if crc != binary.BigEndian.Uint32(b[1:recordHeaderSize]) {
		return 0, nil, false
	}
	return b[0], body, true
}

func encodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return sealRecord(recordVersion, b), nil
}

func decodeFrame(b []byte) (Frame, error) {
	version, body, ok := openRecord(b)
	if !ok {
		return Frame{}, errCorruptRecord
	}
	if version != recordVersion {
		return Frame{}, fmt.Errorf("%w: version %d", errCorruptRecord, version)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return f, nil
}
