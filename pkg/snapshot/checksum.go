package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/sttts/kmirror/pkg/api"
)

// checksum hashes the canonical JSON encoding of a payload. Projections sort
// their items, and encoding/json emits struct fields in declaration order,
// so equal content yields equal bytes.
func checksum(p api.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
