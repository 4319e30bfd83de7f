package enode

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opd-ai/dhtcore/crypto"
)

// Record errors.
var (
	ErrInvalidRecord   = errors.New("invalid node record")
	ErrInvalidRecordID = errors.New("node record id does not match signing key")
	ErrInvalidSig      = errors.New("invalid node record signature")
)

// recordDomain separates record signatures from any other use of the key.
const recordDomain = "dhtcore-record-v1"

// textPrefix starts the textual form of a record.
const textPrefix = "enr:"

// MaxRecordSize is the largest encoded record (IPv6 address).
const MaxRecordSize = IDLength + 1 + net.IPv6len + 2 + 8 + 32 + 32 + crypto.SignatureSize

// Record is a node's signed contact information. A record with a higher
// Seq supersedes one with a lower Seq for the same ID.
type Record struct {
	ID         ID
	IP         net.IP
	Port       uint16
	Seq        uint64
	StaticKey  [32]byte // Curve25519 handshake key
	SigningKey [32]byte // Ed25519 key, ID = SHA-256(SigningKey)
	Signature  crypto.Signature
}

// NewRecord creates and signs a record for the given identity and address.
func NewRecord(id *crypto.Identity, addr *net.UDPAddr, seq uint64) (*Record, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: missing address", ErrInvalidRecord)
	}
	port := addr.Port
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidRecord, port)
	}

	r := &Record{
		IP:         normalizeIP(addr.IP),
		Port:       uint16(port),
		Seq:        seq,
		StaticKey:  id.Static().Public,
		SigningKey: id.SigningKey(),
	}
	r.ID = IDFromSigningKey(r.SigningKey)
	if err := r.Sign(id); err != nil {
		return nil, err
	}
	return r, nil
}

// Sign recomputes the record's signature. The identity must own SigningKey.
func (r *Record) Sign(id *crypto.Identity) error {
	if id.SigningKey() != r.SigningKey {
		return fmt.Errorf("%w: identity does not own signing key", ErrInvalidRecord)
	}
	sig, err := id.Sign(r.signingBody())
	if err != nil {
		return fmt.Errorf("failed to sign record: %w", err)
	}
	r.Signature = sig
	return nil
}

// Verify checks that the ID is derived from the signing key and that the
// signature covers the other fields.
func (r *Record) Verify() error {
	if IDFromSigningKey(r.SigningKey) != r.ID {
		return ErrInvalidRecordID
	}
	ok, err := crypto.Verify(r.signingBody(), r.Signature, r.SigningKey)
	if err != nil || !ok {
		return ErrInvalidSig
	}
	return nil
}

// UDPAddr returns the record's endpoint.
func (r *Record) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: r.IP, Port: int(r.Port)}
}

// Equal reports whether two records carry identical content.
func (r *Record) Equal(o *Record) bool {
	return r.ID == o.ID && r.IP.Equal(o.IP) && r.Port == o.Port && r.Seq == o.Seq &&
		r.StaticKey == o.StaticKey && r.SigningKey == o.SigningKey && r.Signature == o.Signature
}

// Copy returns a deep copy.
func (r *Record) Copy() *Record {
	c := *r
	c.IP = append(net.IP(nil), r.IP...)
	return &c
}

// String returns the textual "enr:" form.
func (r *Record) String() string {
	return textPrefix + base64.RawURLEncoding.EncodeToString(r.Encode())
}

// ParseRecord decodes and verifies the textual form of a record.
func ParseRecord(s string) (*Record, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, textPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidRecord, textPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(textPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r, rest, err := ReadRecord(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrInvalidRecord)
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r *Record) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Record) UnmarshalText(text []byte) error {
	parsed, err := ParseRecord(string(text))
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

// Encode returns the wire form of the record:
// id(32) | iplen(1) | ip | port(2) | seq(8) | static(32) | signing(32) | sig(64)
func (r *Record) Encode() []byte {
	return r.AppendTo(make([]byte, 0, MaxRecordSize))
}

// AppendTo appends the wire form of the record to buf.
func (r *Record) AppendTo(buf []byte) []byte {
	buf = r.appendBody(buf)
	return append(buf, r.Signature[:]...)
}

func (r *Record) appendBody(buf []byte) []byte {
	ip := normalizeIP(r.IP)
	buf = append(buf, r.ID[:]...)
	buf = append(buf, byte(len(ip)))
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, r.Port)
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	buf = append(buf, r.StaticKey[:]...)
	return append(buf, r.SigningKey[:]...)
}

func (r *Record) signingBody() []byte {
	buf := make([]byte, 0, len(recordDomain)+MaxRecordSize)
	buf = append(buf, recordDomain...)
	return r.appendBody(buf)
}

// ReadRecord decodes one record from the front of b and returns the
// remaining bytes. The signature is not verified.
func ReadRecord(b []byte) (*Record, []byte, error) {
	if len(b) < IDLength+1 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidRecord)
	}
	r := &Record{}
	copy(r.ID[:], b[:IDLength])
	b = b[IDLength:]

	ipLen := int(b[0])
	b = b[1:]
	if ipLen != net.IPv4len && ipLen != net.IPv6len {
		return nil, nil, fmt.Errorf("%w: bad ip length %d", ErrInvalidRecord, ipLen)
	}
	if len(b) < ipLen+2+8+32+32+crypto.SignatureSize {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidRecord)
	}
	r.IP = append(net.IP(nil), b[:ipLen]...)
	b = b[ipLen:]
	r.Port = binary.BigEndian.Uint16(b)
	r.Seq = binary.BigEndian.Uint64(b[2:])
	b = b[10:]
	copy(r.StaticKey[:], b[:32])
	copy(r.SigningKey[:], b[32:64])
	copy(r.Signature[:], b[64:64+crypto.SignatureSize])
	return r, b[64+crypto.SignatureSize:], nil
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	if len(ip) == net.IPv6len {
		return ip
	}
	return net.IPv4zero.To4()
}
