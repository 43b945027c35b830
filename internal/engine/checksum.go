package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Row checksums are computed over canonical string forms so the same
// logical data hashes identically whether it was read through pgx or
// database/sql, and again when the validator re-reads the target.

// canonicalValue renders one column value in its canonical form.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case []byte:
		return hex.EncodeToString(t)
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// RowDigest hashes one row. Values are joined with a unit separator so
// ("ab","c") and ("a","bc") digest differently.
func RowDigest(values []any) string {
	h := sha256.New()
	for i, v := range values {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(canonicalValue(v)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BatchChecksum hashes the digests of all rows in a batch, in order.
func BatchChecksum(rows [][]any) string {
	h := sha256.New()
	for _, r := range rows {
		h.Write([]byte(RowDigest(r)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChainChecksum links one batch checksum onto the running value, so any
// divergence in any batch propagates to the final checksum.
func ChainChecksum(prev, batch string) string {
	sum := sha256.Sum256([]byte(prev + batch))
	return hex.EncodeToString(sum[:])
}
