package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
)

// ErrIncompleteContent is returned when content parts are missing or
// inconsistent.
var ErrIncompleteContent = errors.New("incomplete content")

// ChunkNodes splits records into NODES messages of at most
// limits.MaxRecordsPerMessage records. An empty set yields one empty message.
func ChunkNodes(id uint64, records []*enode.Record) []*Nodes {
	groups := splitRecords(records)
	parts := make([]*Nodes, len(groups))
	for i, g := range groups {
		parts[i] = &Nodes{Header: Header{ID: id}, Total: uint8(len(groups)), Records: g}
	}
	return parts
}

// ChunkProviders splits provider records into PROVIDERS messages the same
// way ChunkNodes does.
func ChunkProviders(id uint64, records []*enode.Record) []*Providers {
	groups := splitRecords(records)
	parts := make([]*Providers, len(groups))
	for i, g := range groups {
		parts[i] = &Providers{Header: Header{ID: id}, Total: uint8(len(groups)), Records: g}
	}
	return parts
}

func splitRecords(records []*enode.Record) [][]*enode.Record {
	per := limits.MaxRecordsPerMessage
	total := (len(records) + per - 1) / per
	if total == 0 {
		total = 1
	}
	if total > math.MaxUint8 {
		total = math.MaxUint8
		records = records[:total*per]
	}

	groups := make([][]*enode.Record, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * per
		if end > len(records) {
			end = len(records)
		}
		groups = append(groups, records[i*per:end])
	}
	return groups
}

// ChunkContent splits payload into CONTENT messages of at most
// limits.MaxContentChunk bytes.
func ChunkContent(id uint64, payload []byte) ([]*Content, error) {
	if err := limits.ValidateContent(payload); err != nil {
		return nil, err
	}
	per := limits.MaxContentChunk
	total := (len(payload) + per - 1) / per

	parts := make([]*Content, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * per
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, &Content{
			Header:  Header{ID: id},
			Total:   uint16(total),
			Index:   uint16(i),
			Payload: payload[i*per : end],
		})
	}
	return parts, nil
}

// JoinContent reassembles the payload of a complete set of CONTENT parts,
// which may arrive in any order.
func JoinContent(parts []*Content) ([]byte, error) {
	if len(parts) == 0 {
		return nil, ErrIncompleteContent
	}
	total := int(parts[0].Total)
	if len(parts) != total {
		return nil, fmt.Errorf("%w: have %d of %d parts", ErrIncompleteContent, len(parts), total)
	}

	ordered := make([][]byte, total)
	size := 0
	for _, p := range parts {
		if int(p.Total) != total || int(p.Index) >= total || ordered[p.Index] != nil || !p.HasPayload() {
			return nil, fmt.Errorf("%w: inconsistent part %d", ErrIncompleteContent, p.Index)
		}
		ordered[p.Index] = p.Payload
		size += len(p.Payload)
	}

	out := make([]byte, 0, size)
	for _, chunk := range ordered {
		out = append(out, chunk...)
	}
	return out, nil
}
