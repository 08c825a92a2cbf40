package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Digest is a fixed-size content fingerprint.
type Digest [sha256.Size]byte

// String renders the digest as lowercase hex, matching the stored column.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex digest as produced by String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return d, fmt.Errorf("parse digest: expected %d bytes, got %d", sha256.Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// volatileKeys are metadata fields excluded from hashing; they change on
// every run without the business content changing.
var volatileKeys = map[string]struct{}{
	"id":           {},
	"created_at":   {},
	"updated_at":   {},
	"fetched_at":   {},
	"ingested_at":  {},
	"run_id":       {},
	"sync_status":  {},
	"row_version":  {},
	"content_hash": {},
}

// Hash fingerprints the business fields of a record. Volatile keys are
// dropped, remaining keys are serialised in lexicographic order so the
// digest is independent of map iteration order.
func Hash(record map[string]any) (Digest, error) {
	keys := make([]string, 0, len(record))
	for k := range record {
		if _, volatile := volatileKeys[k]; volatile {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		encoded, err := json.Marshal(record[k])
		if err != nil {
			return Digest{}, fmt.Errorf("encode field %q: %w", k, err)
		}
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(encoded)
		h.Write([]byte{';'})
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// HashRaw fingerprints an entire raw upstream payload with the same
// canonicalisation rule. Used to detect "nothing changed since last landing"
// before attempting a transform.
func HashRaw(payload any) (Digest, error) {
	if record, ok := payload.(map[string]any); ok {
		return Hash(record)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Digest{}, fmt.Errorf("encode payload: %w", err)
	}
	return Digest(sha256.Sum256(encoded)), nil
}
