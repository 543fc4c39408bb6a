package tlsecho

import (
	"fmt"
	"net"
)

// Identity names one connection in the Registry:
// network scheme plus the peer's address and port,
// e.g. "tcp://127.0.0.1:51234". It is stable for the
// life of the connection.
type Identity string

func identityOf(network string, addr net.Addr) Identity {
	if addr == nil {
		return Identity(network + "://")
	}
	return Identity(network + "://" + addr.String())
}

// Registry maps live connection identities to their
// sessions. Add/Remove on different identities rarely
// contend; see Shardmap.
type Registry struct {
	m *Shardmap[Identity, *Session]
}

// NewRegistry makes a Registry with shardCount shards.
func NewRegistry(shardCount int) *Registry {
	return &Registry{m: NewShardmap[Identity, *Session](shardCount)}
}

// Add registers sess under id. A second Add for a
// live id is a logic error and returns ErrDuplicateIdentity.
func (r *Registry) Add(id Identity, sess *Session) error {
	if !r.m.SetIfAbsent(id, sess) {
		return fmt.Errorf("Registry.Add('%v'): %w", id, ErrDuplicateIdentity)
	}
	return nil
}

// Remove drops id. It never fails; removed
// says whether id was present.
func (r *Registry) Remove(id Identity) (removed bool) {
	_, removed = r.m.GetValNDel(id)
	return
}

// removeSession drops id only while it still maps to
// sess, so a late teardown can never evict a newer
// session that reused the same peer address.
func (r *Registry) removeSession(id Identity, sess *Session) (removed bool) {
	return r.m.DelIf(id, func(v *Session) bool { return v == sess })
}

// Get looks up the live session for id.
func (r *Registry) Get(id Identity) (sess *Session, ok bool) {
	return r.m.Get(id)
}

// Snapshot copies the identities present right now.
// Safe to range over while Add/Remove continue.
func (r *Registry) Snapshot() []Identity {
	return r.m.GetKeySlice()
}

// Count is for diagnostics only.
func (r *Registry) Count() int {
	return r.m.Len()
}
