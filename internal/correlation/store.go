// Package correlation associates internally-known order identifiers with
// externally-assigned package or shipment identifiers across asynchronous,
// separately-arriving events.
package correlation

import "sync"

// Store is the bidirectional order-to-external-id map consulted by every
// bridge before republishing a translated event. Implementations are owned by
// a single adapter instance and injected into its bridge; there is no
// process-wide singleton.
type Store interface {
	// RecordAck inserts or overwrites the mapping in both directions.
	RecordAck(internalID, externalID string)

	// External returns the external id recorded for an internal order id.
	External(internalID string) (string, bool)

	// Internal returns the internal order id recorded for an external id.
	Internal(externalID string) (string, bool)
}

// Memory is the in-process Store. Entries live for the process lifetime; no
// eviction. Bounded in practice by concurrently in-flight orders.
type Memory struct {
	mu         sync.RWMutex
	byInternal map[string]string
	byExternal map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byInternal: make(map[string]string),
		byExternal: make(map[string]string),
	}
}

func (m *Memory) RecordAck(internalID, externalID string) {
	if internalID == "" || externalID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Overwriting drops any stale reverse entry so the maps stay symmetric.
	if old, ok := m.byInternal[internalID]; ok && old != externalID {
		delete(m.byExternal, old)
	}
	if old, ok := m.byExternal[externalID]; ok && old != internalID {
		delete(m.byInternal, old)
	}
	m.byInternal[internalID] = externalID
	m.byExternal[externalID] = internalID
}

func (m *Memory) External(internalID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byInternal[internalID]
	return id, ok
}

func (m *Memory) Internal(externalID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalID]
	return id, ok
}

// Enrich fills in whichever of the two ids is missing using the store. Ids
// that cannot be resolved stay empty; callers republish them as null rather
// than blocking.
func Enrich(s Store, internalID, externalID string) (string, string) {
	if s == nil {
		return internalID, externalID
	}
	if internalID == "" && externalID != "" {
		if id, ok := s.Internal(externalID); ok {
			internalID = id
		}
	}
	if externalID == "" && internalID != "" {
		if id, ok := s.External(internalID); ok {
			externalID = id
		}
	}
	return internalID, externalID
}
