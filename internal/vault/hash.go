package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const genesisSalt = "safeharbor-vault-genesis"

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// GenesisHash is the previous_hash of every tenant's first entry. It is fixed
// and tenant-unique so chains from different tenants can never be spliced.
func GenesisHash(tenant string) string {
	return HashHex([]byte(genesisSalt + "|" + tenant))
}

// ComputeEntryHash recomputes an entry's hash from its stored fields. The
// timestamp is rendered as RFC3339Nano in UTC; append truncates timestamps to
// microseconds so the rendering survives a Postgres round trip.
func ComputeEntryHash(e *Entry) string {
	parts := []string{
		e.Tenant,
		strconv.FormatInt(e.Sequence, 10),
		string(e.EntryType),
		string(e.Payload),
		e.Actor,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	}
	return HashHex([]byte(strings.Join(parts, "|")))
}
