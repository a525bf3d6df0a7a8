package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is the canonical form of a field set: field name to canonical
// encoded value. Absent and empty values have no entry.
//
// Snapshots are what SyncState stores as the field-level baseline, and the
// fingerprint is a hash over the snapshot's JSON encoding.
type Snapshot map[string]string

// Canonical builds the snapshot of fields.
//
// Normalization rules:
//   - nil, "", empty lists are absent
//   - text has CRLF folded to LF and surrounding whitespace trimmed
//   - integers, and floats holding a whole number in int64 range, are
//     written in decimal; other floats in shortest 'g' form
//   - lists are sorted (multi-selects are sets)
//   - times are UTC, truncated to the second
func Canonical(fields Fields) Snapshot {
	snap := make(Snapshot, len(fields))
	for name, v := range fields {
		if enc, ok := CanonicalValue(v); ok {
			snap[name] = enc
		}
	}
	return snap
}

// CanonicalValue encodes a single value. The boolean is false when the value
// counts as absent.
func CanonicalValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, "\r\n", "\n"))
		if s == "" {
			return "", false
		}
		return "s:" + s, true
	case float64:
		return "n:" + canonicalNumber(x), true
	case float32:
		return "n:" + canonicalNumber(float64(x)), true
	case int:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int64:
		return "n:" + strconv.FormatInt(x, 10), true
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case []string:
		if len(x) == 0 {
			return "", false
		}
		sorted := append([]string(nil), x...)
		sort.Strings(sorted)
		data, _ := json.Marshal(sorted)
		return "l:" + string(data), true
	case time.Time:
		if x.IsZero() {
			return "", false
		}
		return "t:" + x.UTC().Truncate(time.Second).Format(time.RFC3339), true
	default:
		return "x:" + fmt.Sprintf("%v", x), true
	}
}

// canonicalNumber writes whole floats the way their int64 counterparts are
// written, so 7.0 and 7 agree while 2^53+1 and its float64 rounding do not.
func canonicalNumber(f float64) string {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Encode returns the deterministic JSON encoding of the snapshot.
// encoding/json sorts map keys, which is what makes it canonical.
func (s Snapshot) Encode() []byte {
	if s == nil {
		s = Snapshot{}
	}
	data, _ := json.Marshal(map[string]string(s))
	return data
}

// Fingerprint hashes the snapshot.
func (s Snapshot) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(s.Encode()))
}

// DecodeSnapshot parses a snapshot produced by Encode. An empty input
// yields an empty snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snap := Snapshot{}
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// Fingerprint is the deterministic content hash of a field set.
func Fingerprint(fields Fields) string {
	return Canonical(fields).Fingerprint()
}
