package diff

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/daviddao/scenemesh/pkg/model"
)

// Hash returns the hex BLAKE3 digest of the canonical form of b: the
// normalized fields marshaled as JSON (encoding/json sorts map keys) plus
// the digest of the blob.
func Hash(b model.Buffer) (string, error) {
	fields, err := Normalize(b.Fields)
	if err != nil {
		return "", err
	}
	canon, err := CanonicalJSON(map[string]any{
		"fields": fields,
		"blob":   blobDigest(b.Blob),
	})
	if err != nil {
		return "", fmt.Errorf("hash buffer: %w", err)
	}
	sum := blake3.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v with stable key ordering.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func blobDigest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
