package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
)

// ErrMalformedMessage is returned when a plaintext cannot be decoded into
// exactly one message.
var ErrMalformedMessage = errors.New("malformed message")

// headerSize is type(1) + request id(8).
const headerSize = 1 + 8

// Encode serializes m as [type:1][request id:8][body].
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Type()))
	buf = binary.BigEndian.AppendUint64(buf, m.RequestID())

	switch v := m.(type) {
	case *Ping:
	case *Pong:
		buf = binary.BigEndian.AppendUint64(buf, v.ENRSeq)
	case *FindNode:
		buf = append(buf, v.Target[:]...)
	case *Nodes:
		if v.Total == 0 {
			return nil, fmt.Errorf("%w: NODES total must be at least 1", ErrMalformedMessage)
		}
		var err error
		buf = append(buf, v.Total)
		if buf, err = appendRecords(buf, v.Records); err != nil {
			return nil, err
		}
	case *FindContent:
		buf = append(buf, v.ContentID[:]...)
	case *Advertise:
		buf = append(buf, v.ContentID[:]...)
	case *Ack:
	case *Locate:
		buf = append(buf, v.ContentID[:]...)
	case *Providers:
		if v.Total == 0 {
			return nil, fmt.Errorf("%w: PROVIDERS total must be at least 1", ErrMalformedMessage)
		}
		var err error
		buf = append(buf, v.Total)
		if buf, err = appendRecords(buf, v.Records); err != nil {
			return nil, err
		}
	case *Content:
		if err := validateContent(v.Total, v.Index, len(v.Payload), len(v.Closer)); err != nil {
			return nil, err
		}
		var err error
		buf = binary.BigEndian.AppendUint16(buf, v.Total)
		buf = binary.BigEndian.AppendUint16(buf, v.Index)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v.Payload)))
		buf = append(buf, v.Payload...)
		if buf, err = appendRecords(buf, v.Closer); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrMalformedMessage, m)
	}

	if err := limits.ValidatePlaintextMessage(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a plaintext produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformedMessage)
	}
	t := MessageType(data[0])
	id := binary.BigEndian.Uint64(data[1:headerSize])
	body := data[headerSize:]

	var (
		m    Message
		rest []byte
		err  error
	)
	switch t {
	case TypePing:
		m, rest = &Ping{}, body
	case TypePong:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: short PONG", ErrMalformedMessage)
		}
		m, rest = &Pong{ENRSeq: binary.BigEndian.Uint64(body)}, body[8:]
	case TypeFindNode:
		fn := &FindNode{}
		rest, err = readID(body, &fn.Target)
		m = fn
	case TypeNodes:
		m, rest, err = decodeNodes(body)
	case TypeFindContent:
		fc := &FindContent{}
		rest, err = readID(body, &fc.ContentID)
		m = fc
	case TypeContent:
		m, rest, err = decodeContent(body)
	case TypeAdvertise:
		a := &Advertise{}
		rest, err = readID(body, &a.ContentID)
		m = a
	case TypeAck:
		m, rest = &Ack{}, body
	case TypeLocate:
		l := &Locate{}
		rest, err = readID(body, &l.ContentID)
		m = l
	case TypeProviders:
		m, rest, err = decodeProviders(body)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, data[0])
	}
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s", ErrMalformedMessage, len(rest), t)
	}

	m.SetRequestID(id)
	return m, nil
}

func readID(b []byte, id *enode.ID) ([]byte, error) {
	if len(b) < enode.IDLength {
		return nil, fmt.Errorf("%w: short id", ErrMalformedMessage)
	}
	copy(id[:], b)
	return b[enode.IDLength:], nil
}

func decodeNodes(b []byte) (Message, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: short NODES", ErrMalformedMessage)
	}
	n := &Nodes{Total: b[0]}
	if n.Total == 0 {
		return nil, nil, fmt.Errorf("%w: NODES total must be at least 1", ErrMalformedMessage)
	}
	records, rest, err := readRecords(b[1:])
	if err != nil {
		return nil, nil, err
	}
	n.Records = records
	return n, rest, nil
}

func decodeProviders(b []byte) (Message, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: short PROVIDERS", ErrMalformedMessage)
	}
	p := &Providers{Total: b[0]}
	if p.Total == 0 {
		return nil, nil, fmt.Errorf("%w: PROVIDERS total must be at least 1", ErrMalformedMessage)
	}
	records, rest, err := readRecords(b[1:])
	if err != nil {
		return nil, nil, err
	}
	p.Records = records
	return p, rest, nil
}

func decodeContent(b []byte) (Message, []byte, error) {
	if len(b) < 6 {
		return nil, nil, fmt.Errorf("%w: short CONTENT", ErrMalformedMessage)
	}
	c := &Content{
		Total: binary.BigEndian.Uint16(b),
		Index: binary.BigEndian.Uint16(b[2:]),
	}
	size := int(binary.BigEndian.Uint16(b[4:]))
	b = b[6:]
	if len(b) < size {
		return nil, nil, fmt.Errorf("%w: truncated CONTENT payload", ErrMalformedMessage)
	}
	if size > 0 {
		c.Payload = append([]byte(nil), b[:size]...)
	}
	records, rest, err := readRecords(b[size:])
	if err != nil {
		return nil, nil, err
	}
	c.Closer = records
	if err := validateContent(c.Total, c.Index, len(c.Payload), len(c.Closer)); err != nil {
		return nil, nil, err
	}
	return c, rest, nil
}

func validateContent(total, index uint16, payload, closer int) error {
	switch {
	case total == 0:
		return fmt.Errorf("%w: CONTENT total must be at least 1", ErrMalformedMessage)
	case index >= total:
		return fmt.Errorf("%w: CONTENT index %d out of range %d", ErrMalformedMessage, index, total)
	case payload > limits.MaxContentChunk:
		return fmt.Errorf("%w: CONTENT chunk of %d bytes", ErrMalformedMessage, payload)
	case payload > 0 && closer > 0:
		return fmt.Errorf("%w: CONTENT carries both payload and records", ErrMalformedMessage)
	case closer > 0 && total != 1:
		return fmt.Errorf("%w: CONTENT with records must be single part", ErrMalformedMessage)
	}
	return nil
}

func appendRecords(buf []byte, records []*enode.Record) ([]byte, error) {
	if len(records) > limits.MaxRecordsPerMessage {
		return nil, fmt.Errorf("%w: %d records exceeds %d", ErrMalformedMessage, len(records), limits.MaxRecordsPerMessage)
	}
	buf = append(buf, byte(len(records)))
	for _, r := range records {
		buf = r.AppendTo(buf)
	}
	return buf, nil
}

func readRecords(b []byte) ([]*enode.Record, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: missing record count", ErrMalformedMessage)
	}
	count := int(b[0])
	if count > limits.MaxRecordsPerMessage {
		return nil, nil, fmt.Errorf("%w: %d records exceeds %d", ErrMalformedMessage, count, limits.MaxRecordsPerMessage)
	}
	b = b[1:]

	var records []*enode.Record
	for i := 0; i < count; i++ {
		r, rest, err := enode.ReadRecord(b)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		records = append(records, r)
		b = rest
	}
	return records, b, nil
}
