package enode

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

// IDLength is the byte length of a node ID.
const IDLength = 32

// IDBits is the bit width of the ID space.
const IDBits = IDLength * 8

// ID identifies a node or a piece of content in the 256-bit key space.
type ID [IDLength]byte

// IDFromSigningKey derives a node ID from its Ed25519 public key.
func IDFromSigningKey(pub [32]byte) ID {
	return sha256.Sum256(pub[:])
}

// ContentID derives the key-space identifier of a content key.
func ContentID(key []byte) ID {
	return sha256.Sum256(key)
}

// ParseID parses a 64 character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	if len(raw) != IDLength {
		return id, errors.New("invalid node id: wrong length")
	}
	copy(id[:], raw)
	return id, nil
}

// RandomID returns a uniformly random ID.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return id
}

// RandomIDWithPrefix returns a random ID sharing the first prefixLen bits
// with prefix.
func RandomIDWithPrefix(prefix ID, prefixLen int) ID {
	id := RandomID()
	if prefixLen <= 0 {
		return id
	}
	if prefixLen > IDBits {
		prefixLen = IDBits
	}
	full := prefixLen / 8
	copy(id[:full], prefix[:full])
	if rem := prefixLen % 8; rem != 0 {
		mask := byte(0xff << (8 - rem))
		id[full] = prefix[full]&mask | id[full]&^mask
	}
	return id
}

// String returns the full hex form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString returns a shortened hex form for logs.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:8])
}

// IsZero reports whether all bytes are zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Bit returns the bit at position i counted from the most significant bit.
func (id ID) Bit(i int) uint {
	return uint(id[i/8]>>(7-uint(i%8))) & 1
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance returns a XOR b, read as a big-endian unsigned integer.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b ID) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

// LogDistance returns the index of the highest set bit of Distance(a, b),
// in 0..255, or -1 when a == b.
func LogDistance(a, b ID) int {
	return IDBits - 1 - CommonPrefixLen(a, b)
}

// DistCmp compares the distances target->a and target->b. It returns -1 if
// a is closer, 1 if b is closer and 0 if they are equal.
func DistCmp(target, a, b ID) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da > db {
			return 1
		} else if da < db {
			return -1
		}
	}
	return 0
}

// Closer reports whether a sorts before b by distance to target. Equal
// distances only happen for equal IDs, which fall back to byte order.
func Closer(target, a, b ID) bool {
	if c := DistCmp(target, a, b); c != 0 {
		return c < 0
	}
	return bytes.Compare(a[:], b[:]) < 0
}

// SortByDistance sorts ids in place, closest to target first.
func SortByDistance(target ID, ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		return Closer(target, ids[i], ids[j])
	})
}
