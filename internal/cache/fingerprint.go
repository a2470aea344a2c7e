package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quantorhq/quantor/pkg/schema"
)

// DefaultVolatileContextFields are context keys excluded from cache
// fingerprints. Two logically identical requests must fingerprint
// identically regardless of call time, so anything time- or
// invocation-scoped is dropped. The list is configuration, not convention.
var DefaultVolatileContextFields = []string{
	"timestamp",
	"requestId",
	"executionId",
	"traceId",
	"nonce",
}

// Fingerprinter computes the canonical request fingerprint addressing the
// result cache: a deterministic, order-independent serialization of
// (command, args, stable context subset), hashed with SHA-256.
type Fingerprinter struct {
	volatile map[string]struct{}
}

// NewFingerprinter creates a Fingerprinter excluding the given context
// fields. Nil means DefaultVolatileContextFields.
func NewFingerprinter(volatileFields []string) *Fingerprinter {
	if volatileFields == nil {
		volatileFields = DefaultVolatileContextFields
	}
	volatile := make(map[string]struct{}, len(volatileFields))
	for _, f := range volatileFields {
		volatile[f] = struct{}{}
	}
	return &Fingerprinter{volatile: volatile}
}

// Fingerprint returns the cache key for a request.
func (f *Fingerprinter) Fingerprint(command string, args map[string]any, ec schema.ExecContext) string {
	payload := map[string]any{
		"command": command,
		"args":    args,
		"context": f.stableContext(ec),
	}

	var b strings.Builder
	writeCanonical(&b, payload)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// stableContext keeps the identity fields plus every non-volatile
// pass-through field.
func (f *Fingerprinter) stableContext(ec schema.ExecContext) map[string]any {
	stable := map[string]any{
		"userId":    ec.UserID,
		"sessionId": ec.SessionID,
	}
	for k, v := range ec.Extra {
		if _, skip := f.volatile[k]; skip {
			continue
		}
		stable[k] = v
	}
	return stable
}

// writeCanonical serializes a value deterministically: object keys sorted,
// arrays in order, primitives JSON-encoded.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			// Non-JSON-encodable values fall back to their Go representation.
			enc, _ = json.Marshal(fmt.Sprintf("%v", val))
		}
		b.Write(enc)
	}
}
