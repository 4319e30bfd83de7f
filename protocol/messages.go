package protocol

import (
	"fmt"

	"github.com/opd-ai/dhtcore/enode"
)

// MessageType identifies a protocol message on the wire.
type MessageType byte

const (
	TypePing MessageType = iota + 1
	TypePong
	TypeFindNode
	TypeNodes
	TypeFindContent
	TypeContent
	TypeAdvertise
	TypeAck
	TypeLocate
	TypeProviders
)

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFindNode:
		return "FINDNODE"
	case TypeNodes:
		return "NODES"
	case TypeFindContent:
		return "FINDCONTENT"
	case TypeContent:
		return "CONTENT"
	case TypeAdvertise:
		return "ADVERTISE"
	case TypeAck:
		return "ACK"
	case TypeLocate:
		return "LOCATE"
	case TypeProviders:
		return "PROVIDERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// IsResponse reports whether messages of this type answer a request.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypePong, TypeNodes, TypeContent, TypeAck, TypeProviders:
		return true
	}
	return false
}

// ResponseType returns the type that answers a request of type t.
func (t MessageType) ResponseType() MessageType {
	switch t {
	case TypePing:
		return TypePong
	case TypeFindNode:
		return TypeNodes
	case TypeFindContent:
		return TypeContent
	case TypeAdvertise:
		return TypeAck
	case TypeLocate:
		return TypeProviders
	default:
		return 0
	}
}

// Message is one of the protocol variants defined in this package.
type Message interface {
	Type() MessageType
	RequestID() uint64
	SetRequestID(id uint64)
	message()
}

// Header carries the request id shared by a request and its responses.
type Header struct {
	ID uint64
}

// RequestID returns the correlation id.
func (h *Header) RequestID() uint64 { return h.ID }

// SetRequestID sets the correlation id.
func (h *Header) SetRequestID(id uint64) { h.ID = id }

// Ping checks liveness.
type Ping struct {
	Header
}

// Pong answers a Ping with the responder's current record sequence.
type Pong struct {
	Header
	ENRSeq uint64
}

// FindNode asks for the records closest to Target.
type FindNode struct {
	Header
	Target enode.ID
}

// Nodes is one part of a FINDNODE answer. Total is the number of parts.
type Nodes struct {
	Header
	Total   uint8
	Records []*enode.Record
}

// FindContent asks for the content stored under ContentID.
type FindContent struct {
	Header
	ContentID enode.ID
}

// Content is one part of a FINDCONTENT answer. It carries either a chunk
// of the payload (Index of Total) or, when the responder lacks the
// content, records closer to the content ID.
type Content struct {
	Header
	Total   uint16
	Index   uint16
	Payload []byte
	Closer  []*enode.Record
}

// Advertise announces the sender as a provider of ContentID.
type Advertise struct {
	Header
	ContentID enode.ID
}

// Ack confirms an Advertise.
type Ack struct {
	Header
}

// Locate asks for the known providers of ContentID.
type Locate struct {
	Header
	ContentID enode.ID
}

// Providers is one part of a LOCATE answer. Total is the number of parts.
type Providers struct {
	Header
	Total   uint8
	Records []*enode.Record
}

func (*Ping) Type() MessageType        { return TypePing }
func (*Pong) Type() MessageType        { return TypePong }
func (*FindNode) Type() MessageType    { return TypeFindNode }
func (*Nodes) Type() MessageType       { return TypeNodes }
func (*FindContent) Type() MessageType { return TypeFindContent }
func (*Content) Type() MessageType     { return TypeContent }
func (*Advertise) Type() MessageType   { return TypeAdvertise }
func (*Ack) Type() MessageType         { return TypeAck }
func (*Locate) Type() MessageType      { return TypeLocate }
func (*Providers) Type() MessageType   { return TypeProviders }

func (*Ping) message()        {}
func (*Pong) message()        {}
func (*FindNode) message()    {}
func (*Nodes) message()       {}
func (*FindContent) message() {}
func (*Content) message()     {}
func (*Advertise) message()   {}
func (*Ack) message()         {}
func (*Locate) message()      {}
func (*Providers) message()   {}

// HasPayload reports whether the message carries content rather than
// closer records.
func (c *Content) HasPayload() bool {
	return len(c.Closer) == 0 && len(c.Payload) > 0
}

// PartCount returns how many messages make up the response m belongs to.
// Single-part responses return 1.
func PartCount(m Message) int {
	switch v := m.(type) {
	case *Nodes:
		return int(v.Total)
	case *Content:
		return int(v.Total)
	case *Providers:
		return int(v.Total)
	default:
		return 1
	}
}
