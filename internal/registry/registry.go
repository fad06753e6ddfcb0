// Package registry holds the per-worker view of the room cluster: the
// authoritative table of locally-owned room objects and the replicated,
// TTL-evicted table of room summaries for the whole cluster.
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/replication"
)

// LocalRoom is the control surface the registry and manager need from a
// locally-owned room. The room runtime itself (canvas state, client
// sockets) lives elsewhere.
type LocalRoom interface {
	Close()
	BroadcastMessage(msg []byte)
}

// Registry tracks room ownership and visibility. roomObjs holds live room
// instances owned by this process only; roomInfos holds the replicated
// summary of every room believed to exist cluster-wide, locally-owned ones
// included. A given name has exactly one owning process at a time, though
// roomInfos may transiently show entries this process does not own.
type Registry struct {
	mu        sync.RWMutex
	roomObjs  map[string]LocalRoom
	roomInfos map[string]domain.RoomInfo
	reserved  map[string]struct{}
	maxRoom   int
	log       *logrus.Entry
}

// New creates an empty registry limited to maxRoom tracked rooms. A
// maxRoom of zero disables the limit.
func New(maxRoom int) *Registry {
	return &Registry{
		roomObjs:  make(map[string]LocalRoom),
		roomInfos: make(map[string]domain.RoomInfo),
		reserved:  make(map[string]struct{}),
		maxRoom:   maxRoom,
		log:       logrus.WithField("component", "registry"),
	}
}

// Count returns the number of rooms currently tracked cluster-wide,
// pending reservations included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomInfos) + len(r.reserved)
}

// Has reports whether a room with the given name is tracked or reserved
// anywhere in the cluster. The replicated table is the single source of
// truth for name collisions, approximated by eventual consistency.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.roomInfos[name]; ok {
		return true
	}
	_, ok := r.reserved[name]
	return ok
}

// Admit decides whether a validated spec may become a room and, on
// success, reserves its name under the write lock so no concurrent request
// can claim it while the room is being constructed. The reservation is
// consumed by RegisterLocal or given back by Release; until then it counts
// toward maxRoom and blocks the name, but does not appear in snapshots.
func (r *Registry) Admit(spec domain.RoomSpec) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxRoom > 0 && len(r.roomInfos)+len(r.reserved) >= r.maxRoom {
		return false, domain.CodeRoomLimit
	}
	if _, ok := r.roomInfos[spec.Name]; ok {
		return false, domain.CodeNameTaken
	}
	if _, ok := r.reserved[spec.Name]; ok {
		return false, domain.CodeNameTaken
	}
	r.reserved[spec.Name] = struct{}{}
	return true, 0
}

// Release gives an admitted name back without registering a room, for when
// room startup fails after admission.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	delete(r.reserved, name)
	r.mu.Unlock()
}

// RegisterLocal inserts a freshly created (or recovered) local room into
// both tables, consuming any reservation on the name and stamping the info
// entry with the current instant. Called only after the room has emitted
// its create event.
func (r *Registry) RegisterLocal(name string, info domain.RoomInfo, obj LocalRoom) {
	info.Timestamp = nowMillis()
	r.mu.Lock()
	delete(r.reserved, name)
	r.roomObjs[name] = obj
	r.roomInfos[name] = info
	r.mu.Unlock()
}

// UnregisterLocal removes a local room from both tables on close.
func (r *Registry) UnregisterLocal(name string) {
	r.mu.Lock()
	delete(r.roomObjs, name)
	delete(r.roomInfos, name)
	r.mu.Unlock()
}

// ApplyReplicated mutates the replicated info table from an inbound
// sibling message. It never touches roomObjs: replicated messages never
// concern this process's authoritative state. newroom and roominfo are
// handled identically; the distinction is kept on the wire for
// observability.
func (r *Registry) ApplyReplicated(kind replication.Kind, info domain.RoomInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case replication.KindNewRoom, replication.KindRoomInfo:
		info.Timestamp = nowMillis()
		r.roomInfos[info.Name] = info
	case replication.KindRoomClose:
		// Deleting an absent name is a no-op.
		delete(r.roomInfos, info.Name)
	}
}

// SweepExpired evicts every info entry whose timestamp has fallen behind
// now by more than twice the refresh cycle, returning the evicted names.
// This is a liveness heuristic, not a correctness mechanism: a still-live
// sibling room may be falsely evicted and will reappear on its owner's
// next broadcast.
func (r *Registry) SweepExpired(now time.Time, refreshCycle time.Duration) []string {
	deadline := 2 * refreshCycle.Milliseconds()
	nowMs := now.UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for name, info := range r.roomInfos {
		if nowMs-info.Timestamp > deadline {
			delete(r.roomInfos, name)
			evicted = append(evicted, name)
		}
	}
	for _, name := range evicted {
		r.log.WithField("room", name).Warn("Room info timed out and was evicted")
	}
	return evicted
}

// Snapshot returns a point-in-time copy of the replicated table for
// room-list queries. No ordering is guaranteed.
func (r *Registry) Snapshot() []domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]domain.RoomInfo, 0, len(r.roomInfos))
	for _, info := range r.roomInfos {
		infos = append(infos, info)
	}
	return infos
}

// LocalRooms returns the live rooms owned by this process.
func (r *Registry) LocalRooms() []LocalRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]LocalRoom, 0, len(r.roomObjs))
	for _, obj := range r.roomObjs {
		rooms = append(rooms, obj)
	}
	return rooms
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
