package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"
)

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
func decodeJSON(b []byte, v any) error { return json.Unmarshal(b, v) }

// timeKey renders a timestamp big-endian so lexicographic key order matches
// chronological order.
func timeKey(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano()))
	return k[:]
}
