// Package manager wires the room registry, persistence bridge and
// replication channel together and exposes the request handlers consumed
// by the router.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/persist"
	"github.com/kliu/painttyServer/internal/registry"
	"github.com/kliu/painttyServer/internal/replication"
	"github.com/kliu/painttyServer/internal/room"
	"github.com/kliu/painttyServer/internal/router"
)

// Publisher is the outbound side of the replication channel. Every local
// create and close triggers exactly one message; delivery is best-effort.
type Publisher interface {
	PublishNewRoom(info domain.RoomInfo)
	PublishRoomClose(name string)
}

// Config carries the manager's knobs.
type Config struct {
	// Name labels this manager instance in logs.
	Name string

	// LocalID scopes which persisted rooms belong to this instance; the
	// recovery query filters on it.
	LocalID int

	// MaxRoom limits how many rooms the registry tracks. Zero disables
	// the limit.
	MaxRoom int

	// ServerAddress is the address advertised in roomlist replies.
	ServerAddress string

	// RefreshCycle drives the info-table eviction sweep. Entries older
	// than twice this are evicted. Defaults to 10 seconds.
	RefreshCycle time.Duration

	// Room is the runtime configuration handed to every room.
	Room room.Config
}

func (c Config) refreshCycle() time.Duration {
	if c.RefreshCycle > 0 {
		return c.RefreshCycle
	}
	return 10 * time.Second
}

// Manager is the orchestration layer: admission control, lifecycle wiring,
// the eviction sweep and the client-facing request handlers.
type Manager struct {
	cfg    Config
	reg    *registry.Registry
	bridge *persist.Bridge
	pub    Publisher
	busy   func() bool
	log    *logrus.Entry

	done     chan struct{}
	stopOnce sync.Once
}

// New assembles a manager. pub and busy may be nil (no replication, no
// load shedding), which the tests use.
func New(cfg Config, reg *registry.Registry, bridge *persist.Bridge, pub Publisher, busy func() bool) *Manager {
	if reg == nil {
		panic("Registry cannot be nil for Manager")
	}
	if bridge == nil {
		panic("persist.Bridge cannot be nil for Manager")
	}
	return &Manager{
		cfg:    cfg,
		reg:    reg,
		bridge: bridge,
		pub:    pub,
		busy:   busy,
		log:    logrus.WithFields(logrus.Fields{"component": "manager", "name": cfg.Name}),
		done:   make(chan struct{}),
	}
}

// Register installs the manager's request handlers on the router.
func (m *Manager) Register(r *router.Router) {
	r.Reg("roomlist", m.handleRoomList).
		Reg("join", m.handleJoin).
		Reg("newroom", m.handleNewRoom)
}

// Registry exposes the registry, mainly for tests and diagnostics.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Run drives the periodic eviction sweep. It blocks until Stop, so call it
// from its own goroutine.
func (m *Manager) Run() {
	cycle := m.cfg.refreshCycle()
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()
	m.log.WithField("cycle", cycle).Info("Eviction sweep running")
	for {
		select {
		case <-ticker.C:
			m.reg.SweepExpired(time.Now(), cycle)
		case <-m.done:
			return
		}
	}
}

// Recover reconstructs the rooms this instance owned before its last
// shutdown or crash. A query failure aborts startup; a single malformed
// document is isolated and logged so the rest of the batch recovers.
func (m *Manager) Recover(ctx context.Context) error {
	docs, err := m.bridge.Recover(ctx, m.cfg.LocalID)
	if err != nil {
		return err
	}
	recovered := 0
	for _, doc := range docs {
		rm, err := room.Recover(doc, m.cfg.Room)
		if err != nil {
			m.log.WithError(err).WithField("room", doc.Name).
				Error("Skipping unrecoverable room document")
			continue
		}
		// No requesting client exists for a recovered room, so no reply.
		rm.OnEvent(m.lifecycleHandler(rm, nil))
		if err := rm.Start(); err != nil {
			m.log.WithError(err).WithField("room", doc.Name).
				Error("Failed to start recovered room")
			continue
		}
		recovered++
	}
	m.log.Infof("Recovered %d of %d persisted rooms", recovered, len(docs))
	return nil
}

// Stop halts the sweep and closes every locally-owned room. In-flight
// persistence writes are not flushed; they are heartbeat-grade and may be
// lost on shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		for _, rm := range m.reg.LocalRooms() {
			rm.Close()
		}
		m.log.Info("Manager stopped")
	})
}

// ApplyReplicated implements replication.Sink for inbound sibling traffic.
func (m *Manager) ApplyReplicated(kind replication.Kind, info domain.RoomInfo) {
	m.reg.ApplyReplicated(kind, info)
}

// Localcast implements replication.Sink: fan content out to every
// locally-owned room's clients.
func (m *Manager) Localcast(content []byte) {
	for _, rm := range m.reg.LocalRooms() {
		rm.BroadcastMessage(content)
	}
}

// lifecycleHandler wires one room's lifecycle events to the registry, the
// replication channel and the persistence bridge. resp is nil for
// recovered rooms.
func (m *Manager) lifecycleHandler(rm *room.Room, resp router.Responder) domain.EventHandler {
	return func(e domain.Event) {
		switch e.Kind {
		case domain.EventCreate:
			// The client's reply goes out before any side effect so a
			// store or relay hiccup can never change a promised answer.
			if resp != nil {
				resp.Send(newRoomReply{
					Response: "newroom",
					Result:   true,
					Info:     &newRoomResult{Port: e.Info.Port, Key: rm.Key()},
				})
			}
			m.reg.RegisterLocal(e.Name, *e.Info, rm)
			if m.pub != nil {
				info := *e.Info
				info.Timestamp = time.Now().UnixMilli()
				m.pub.PublishNewRoom(info)
			}
			m.bridge.OnCreate(rm.Document(m.cfg.LocalID))
		case domain.EventCheckout:
			m.bridge.OnCheckout(e.Name, e.CheckoutTimestamp)
		case domain.EventNewArchiveSign:
			m.bridge.OnArchiveSignRotate(e.Name, e.Sign)
		case domain.EventClose:
			m.reg.UnregisterLocal(e.Name)
			if m.pub != nil {
				m.pub.PublishRoomClose(e.Name)
			}
		case domain.EventDestroyed:
			m.bridge.OnDestroyed(e.Name)
		}
	}
}
