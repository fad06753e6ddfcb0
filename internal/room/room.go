// Package room implements the per-room runtime the manager orchestrates.
// The manager only consumes its lifecycle events and calls its small
// control surface; canvas state and per-client drawing traffic are handled
// by the session transport attached to the room's port.
package room

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Config carries the runtime knobs shared by every room of a manager.
type Config struct {
	// CheckoutInterval is how often a running room emits its checkout
	// heartbeat. Defaults to 5 minutes.
	CheckoutInterval time.Duration

	// ExpireAfter overrides the spec's expiration hours when non-zero.
	ExpireAfter time.Duration
}

func (c Config) checkoutInterval() time.Duration {
	if c.CheckoutInterval > 0 {
		return c.CheckoutInterval
	}
	return 5 * time.Minute
}

// Room is one live session: its own port, capacity and canvas, owned by
// exactly one worker process. It walks the lifecycle
// create -> checkout*/newarchivesign* -> close | destroyed, dispatching
// every transition through a single event handler.
type Room struct {
	spec     domain.RoomSpec
	cfg      Config
	recovery bool
	log      *logrus.Entry

	mu           sync.Mutex
	state        state
	key          string
	port         int
	lastCheckout int64
	archive      []byte
	archiveSign  string
	load         int
	broadcast    func(msg []byte)
	handler      domain.EventHandler
	listener     net.Listener

	done        chan struct{}
	closeOnce   sync.Once
	destroyOnce sync.Once
}

// New constructs a fresh room from a validated spec. The room is inert
// until Start is called.
func New(spec domain.RoomSpec, cfg Config) *Room {
	return &Room{
		spec: spec,
		cfg:  cfg,
		log:  logrus.WithFields(logrus.Fields{"component": "room", "room": spec.Name}),
		done: make(chan struct{}),
	}
}

// Recover constructs a room from its persisted document. Recovery mode
// skips the creation side effects tied to a requesting client: the key,
// port and checkout timestamp carry over from the document.
func Recover(doc domain.RoomDocument, cfg Config) (*Room, error) {
	if doc.Name == "" {
		return nil, errors.New("room: persisted document has no name")
	}
	if doc.Key == "" {
		return nil, fmt.Errorf("room: persisted document %q has no key", doc.Name)
	}
	r := New(doc.Spec(), cfg)
	r.recovery = true
	r.key = doc.Key
	r.port = doc.Port
	r.lastCheckout = doc.CheckoutTimestamp
	r.archive = doc.Archive
	r.archiveSign = doc.ArchiveSign
	return r, nil
}

// OnEvent installs the single lifecycle handler. Must be called before
// Start.
func (r *Room) OnEvent(h domain.EventHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// SetBroadcast installs the transport hook BroadcastMessage delivers
// through.
func (r *Room) SetBroadcast(f func(msg []byte)) {
	r.mu.Lock()
	r.broadcast = f
	r.mu.Unlock()
}

// Start reserves the room's port, issues its key on fresh creation, emits
// the create event and launches the heartbeat/expiration loop.
func (r *Room) Start() error {
	r.mu.Lock()
	if r.state != stateNew {
		r.mu.Unlock()
		return errors.New("room: already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.port))
	if err != nil && r.recovery && r.port != 0 {
		// The persisted port may have been taken while we were down; any
		// port serves a recovered room since its info is re-broadcast.
		r.log.WithError(err).WithField("port", r.port).
			Warn("Persisted port unavailable, falling back to an ephemeral one")
		listener, err = net.Listen("tcp", ":0")
	}
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("room: reserve port for %q: %w", r.spec.Name, err)
	}
	r.listener = listener
	r.port = listener.Addr().(*net.TCPAddr).Port

	if !r.recovery {
		key, err := newKey()
		if err != nil {
			listener.Close()
			r.mu.Unlock()
			return fmt.Errorf("room: issue key for %q: %w", r.spec.Name, err)
		}
		r.key = key
		r.lastCheckout = time.Now().UnixMilli()
	}
	r.state = stateRunning
	info := r.infoLocked()
	r.mu.Unlock()

	r.emit(domain.Event{Kind: domain.EventCreate, Name: r.spec.Name, Info: &info})
	go r.run()
	return nil
}

func (r *Room) run() {
	ticker := time.NewTicker(r.cfg.checkoutInterval())
	defer ticker.Stop()

	var expireC <-chan time.Time
	if !r.spec.Permanent {
		expire := r.cfg.ExpireAfter
		if expire <= 0 {
			expire = time.Duration(r.spec.ExpirationHours) * time.Hour
		}
		r.mu.Lock()
		last := r.lastCheckout
		r.mu.Unlock()
		// Expiration counts from the last checkout, so time spent down
		// does not extend a recovered room's life.
		if r.recovery && last > 0 {
			expire -= time.Since(time.UnixMilli(last))
		}
		if expire < 0 {
			expire = 0
		}
		timer := time.NewTimer(expire)
		defer timer.Stop()
		expireC = timer.C
	}

	for {
		select {
		case <-ticker.C:
			r.checkout()
		case <-expireC:
			r.log.Info("Room expired, closing")
			r.Close()
		case <-r.done:
			return
		}
	}
}

func (r *Room) checkout() {
	now := time.Now().UnixMilli()
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.lastCheckout = now
	r.mu.Unlock()
	r.emit(domain.Event{Kind: domain.EventCheckout, Name: r.spec.Name, CheckoutTimestamp: now})
}

// SetArchive replaces the canvas archive snapshot and rotates its
// integrity signature.
func (r *Room) SetArchive(data []byte) {
	sum := sha256.Sum256(data)
	sign := hex.EncodeToString(sum[:])
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	r.archive = data
	r.archiveSign = sign
	r.mu.Unlock()
	r.emit(domain.Event{Kind: domain.EventNewArchiveSign, Name: r.spec.Name, Sign: sign})
}

// Join records a client entering the room.
func (r *Room) Join() {
	r.mu.Lock()
	r.load++
	r.mu.Unlock()
}

// Leave records a client leaving. A room configured with emptyclose shuts
// itself down when the last client leaves.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.load > 0 {
		r.load--
	}
	empty := r.load == 0
	r.mu.Unlock()
	if empty && r.spec.EmptyClose {
		r.log.Info("Last client left, closing empty room")
		r.Close()
	}
}

// Close terminates the room without destroying its durable record, so it
// can be recovered later. Idempotent.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = stateClosed
		listener := r.listener
		r.mu.Unlock()
		close(r.done)
		if listener != nil {
			listener.Close()
		}
		r.emit(domain.Event{Kind: domain.EventClose, Name: r.spec.Name})
	})
}

// Destroy closes the room and additionally signals that its durable record
// must be deleted.
func (r *Room) Destroy() {
	r.Close()
	r.destroyOnce.Do(func() {
		r.emit(domain.Event{Kind: domain.EventDestroyed, Name: r.spec.Name})
	})
}

// BroadcastMessage fans a message out to every client of this room through
// the attached transport.
func (r *Room) BroadcastMessage(msg []byte) {
	r.mu.Lock()
	broadcast := r.broadcast
	r.mu.Unlock()
	if broadcast != nil {
		broadcast(msg)
	}
}

// Name returns the immutable room name.
func (r *Room) Name() string { return r.spec.Name }

// Spec returns the immutable room spec.
func (r *Room) Spec() domain.RoomSpec { return r.spec }

// Port returns the room's reserved network port.
func (r *Room) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Key returns the opaque room secret issued at creation.
func (r *Room) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// Load returns the current client count.
func (r *Room) Load() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load
}

// Info builds the replicated summary of this room.
func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked()
}

func (r *Room) infoLocked() domain.RoomInfo {
	return domain.RoomInfo{
		Name:        r.spec.Name,
		Port:        r.port,
		MaxLoad:     r.spec.MaxLoad,
		CurrentLoad: r.load,
		Private:     r.spec.Private(),
	}
}

// Document builds the persisted form of this room, scoped to the owning
// manager instance.
func (r *Room) Document(localID int) domain.RoomDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomDocument{
		Name:              r.spec.Name,
		MaxLoad:           r.spec.MaxLoad,
		WelcomeMsg:        r.spec.WelcomeMsg,
		Password:          r.spec.Password,
		EmptyClose:        r.spec.EmptyClose,
		CanvasWidth:       r.spec.CanvasSize.Width,
		CanvasHeight:      r.spec.CanvasSize.Height,
		ExpirationHours:   r.spec.ExpirationHours,
		Permanent:         r.spec.Permanent,
		Key:               r.key,
		CheckoutTimestamp: r.lastCheckout,
		Archive:           r.archive,
		ArchiveSign:       r.archiveSign,
		Port:              r.port,
		LocalID:           localID,
	}
}

func (r *Room) emit(e domain.Event) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler != nil {
		handler(e)
	}
}

func newKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
