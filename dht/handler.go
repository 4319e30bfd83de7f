package dht

import (
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/sirupsen/logrus"
)

// ContentStore gives the node access to content it holds locally.
type ContentStore interface {
	LookupLocalContent(id enode.ID) ([]byte, bool)
}

// Handler answers PING, FINDNODE and FINDCONTENT requests.
type Handler struct {
	table       *RoutingTable
	store       ContentStore
	localRecord func() *enode.Record
	providers   *ProviderSet
	logger      *logrus.Entry
}

// NewHandler creates a request handler. store may be nil.
func NewHandler(table *RoutingTable, store ContentStore, localRecord func() *enode.Record) *Handler {
	return &Handler{
		table:       table,
		store:       store,
		localRecord: localRecord,
		providers:   NewProviderSet(ProviderConfig{Clock: table.clock}),
		logger:      table.baseLogger().WithField("component", "handler"),
	}
}

// HandleRequest implements RequestHandler.
func (h *Handler) HandleRequest(from *enode.Record, req protocol.Message) []protocol.Message {
	switch m := req.(type) {
	case *protocol.Ping:
		return []protocol.Message{&protocol.Pong{ENRSeq: h.localRecord().Seq}}
	case *protocol.FindNode:
		return h.handleFindNode(from, m)
	case *protocol.FindContent:
		return h.handleFindContent(from, m)
	case *protocol.Advertise:
		return h.handleAdvertise(from, m)
	case *protocol.Locate:
		return h.handleLocate(from, m)
	default:
		h.logger.WithFields(logrus.Fields{
			"function": "HandleRequest",
			"peer":     from.ID.TerminalString(),
			"type":     req.Type().String(),
		}).Warn("Unsupported request type")
		return nil
	}
}

func (h *Handler) handleFindNode(from *enode.Record, req *protocol.FindNode) []protocol.Message {
	closest := h.table.Closest(req.Target, h.table.BucketSize())
	parts := protocol.ChunkNodes(req.RequestID(), closest)

	h.logger.WithFields(logrus.Fields{
		"function": "handleFindNode",
		"peer":     from.ID.TerminalString(),
		"target":   req.Target.TerminalString(),
		"records":  len(closest),
		"parts":    len(parts),
	}).Debug("Answering FINDNODE")

	out := make([]protocol.Message, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func (h *Handler) handleFindContent(from *enode.Record, req *protocol.FindContent) []protocol.Message {
	if h.store != nil {
		if payload, ok := h.store.LookupLocalContent(req.ContentID); ok && len(payload) > 0 {
			parts, err := protocol.ChunkContent(req.RequestID(), payload)
			if err == nil {
				out := make([]protocol.Message, len(parts))
				for i, p := range parts {
					out[i] = p
				}
				return out
			}
			h.logger.WithFields(logrus.Fields{
				"function": "handleFindContent",
				"content":  req.ContentID.TerminalString(),
				"size":     len(payload),
				"error":    err.Error(),
			}).Warn("Local content cannot be served")
		}
	}

	closer := h.table.Closest(req.ContentID, limits.MaxRecordsPerMessage)
	return []protocol.Message{&protocol.Content{Total: 1, Closer: closer}}
}

// Providers returns the advertisements this handler serves.
func (h *Handler) Providers() *ProviderSet {
	return h.providers
}

// LocalProviders lists the stored providers of id, including the local
// node when it holds the content itself.
func (h *Handler) LocalProviders(id enode.ID) []*enode.Record {
	providers := h.providers.Providers(id)
	if h.store != nil {
		if payload, ok := h.store.LookupLocalContent(id); ok && len(payload) > 0 {
			providers = append([]*enode.Record{h.localRecord()}, providers...)
		}
	}
	return providers
}

// handleAdvertise stores the authenticated sender as a provider.
func (h *Handler) handleAdvertise(from *enode.Record, req *protocol.Advertise) []protocol.Message {
	added := h.providers.Add(req.ContentID, from)
	h.logger.WithFields(logrus.Fields{
		"function": "handleAdvertise",
		"peer":     from.ID.TerminalString(),
		"content":  req.ContentID.TerminalString(),
		"new":      added,
	}).Debug("Stored provider advertisement")
	return []protocol.Message{&protocol.Ack{}}
}

func (h *Handler) handleLocate(from *enode.Record, req *protocol.Locate) []protocol.Message {
	providers := h.LocalProviders(req.ContentID)
	if len(providers) > h.providers.cfg.MaxPerKey {
		providers = providers[:h.providers.cfg.MaxPerKey]
	}
	parts := protocol.ChunkProviders(req.RequestID(), providers)

	h.logger.WithFields(logrus.Fields{
		"function":  "handleLocate",
		"peer":      from.ID.TerminalString(),
		"content":   req.ContentID.TerminalString(),
		"providers": len(providers),
	}).Debug("Answering LOCATE")

	out := make([]protocol.Message, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}
