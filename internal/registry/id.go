package registry

import (
	"crypto/rand"

	"github.com/catfishapiagg/llmproxy/internal/util"
	"github.com/zeebo/blake3"
)

// newID mints a stable, opaque, collision-resistant upstream id: 16
// bytes of crypto/rand entropy run through blake3 (the same hash
// family the stack uses elsewhere for content addressing), hex
// encoded. A hash of random input rather than a raw random string so
// the id format is uniform regardless of the entropy source.
func newID() (string, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	sum := blake3.Sum256(seed)
	return util.BytesToHexNoPre(sum[:12]), nil
}
