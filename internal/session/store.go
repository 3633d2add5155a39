// ABOUTME: Mirror of the server's session and control state
// ABOUTME: Snapshots replace each other atomically; readers never see partial updates
package session

import (
	"sync/atomic"

	"github.com/harperreed/capture-monitor/internal/protocol"
)

// Store holds the latest state snapshot received from the server.
// It is the single owner of channel mapping and boost on the client;
// everything else derives from it.
type Store struct {
	current atomic.Pointer[protocol.StateSnapshot]
	version atomic.Uint64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Apply replaces the mirrored state with snap and returns the new version
func (s *Store) Apply(snap protocol.StateSnapshot) uint64 {
	s.current.Store(&snap)
	return s.version.Add(1)
}

// Load returns the mirrored state and whether any snapshot has arrived yet
func (s *Store) Load() (protocol.StateSnapshot, bool) {
	p := s.current.Load()
	if p == nil {
		return protocol.StateSnapshot{}, false
	}
	return *p, true
}

// Version counts applied snapshots
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// EngineRunning reports whether the server says capture is running
func (s *Store) EngineRunning() bool {
	snap, ok := s.Load()
	return ok && snap.IsRunning
}
