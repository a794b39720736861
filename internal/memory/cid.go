package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrInvalidCID is returned for identifiers that do not parse as a CID.
var ErrInvalidCID = errors.New("invalid cid")

// NormalizeCID trims a pointer and collapses every "no predecessor" spelling
// into the empty string.
func NormalizeCID(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "undefined", "none":
		return ""
	}
	return s
}

// ValidateCID checks that s parses as a CID.
func ValidateCID(s string) error {
	if _, err := cid.Decode(s); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCID, s, err)
	}
	return nil
}

// HashToCID converts the bytes32 BLAKE3 digest stored on chain into the
// CIDv1 string used by the content network. The zero hash means the agent
// has never set a head and maps to "".
func HashToCID(hash [32]byte) (string, error) {
	if hash == ([32]byte{}) {
		return "", nil
	}
	mh, err := multihash.Encode(hash[:], multihash.BLAKE3)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagProtobuf, mh).String(), nil
}

// CIDToHash is the inverse of HashToCID.
func CIDToHash(s string) ([32]byte, error) {
	var out [32]byte
	c, err := cid.Decode(s)
	if err != nil {
		return out, fmt.Errorf("%w %q: %v", ErrInvalidCID, s, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return out, fmt.Errorf("decode multihash: %w", err)
	}
	if decoded.Code != multihash.BLAKE3 || len(decoded.Digest) != len(out) {
		return out, fmt.Errorf("%w %q: not a 32-byte blake3 digest", ErrInvalidCID, s)
	}
	copy(out[:], decoded.Digest)
	return out, nil
}
