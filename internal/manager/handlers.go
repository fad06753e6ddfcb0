package manager

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/room"
	"github.com/kliu/painttyServer/internal/router"
	"github.com/kliu/painttyServer/internal/validate"
)

type roomListEntry struct {
	Port          int    `json:"port"`
	ServerAddress string `json:"serveraddress"`
	MaxLoad       int    `json:"maxload"`
	CurrentLoad   int    `json:"currentload"`
	Name          string `json:"name"`
	Private       bool   `json:"private"`
}

type roomListReply struct {
	Response string          `json:"response"`
	Result   bool            `json:"result"`
	RoomList []roomListEntry `json:"roomlist"`
}

type newRoomResult struct {
	Port int    `json:"port"`
	Key  string `json:"key"`
}

type newRoomReply struct {
	Response string         `json:"response"`
	Result   bool           `json:"result"`
	ErrCode  int            `json:"errcode,omitempty"`
	Info     *newRoomResult `json:"info,omitempty"`
}

type joinReply struct {
	Response string `json:"response"`
	Result   bool   `json:"result"`
}

// handleRoomList answers with a point-in-time snapshot of the replicated
// info table: one entry per room believed live anywhere in the cluster.
func (m *Manager) handleRoomList(resp router.Responder, _ router.Request) {
	infos := m.reg.Snapshot()
	list := make([]roomListEntry, 0, len(infos))
	for _, info := range infos {
		list = append(list, roomListEntry{
			Port:          info.Port,
			ServerAddress: m.cfg.ServerAddress,
			MaxLoad:       info.MaxLoad,
			CurrentLoad:   info.CurrentLoad,
			Name:          info.Name,
			Private:       info.Private,
		})
	}
	resp.Send(roomListReply{Response: "roomlist", Result: true, RoomList: list})
}

// handleJoin is a reserved pass-through. Clients get an explicit
// not-implemented reply rather than silence.
func (m *Manager) handleJoin(resp router.Responder, _ router.Request) {
	resp.Send(joinReply{Response: "join", Result: false})
}

// handleNewRoom walks the admission pipeline: validate, shed load if
// saturated, atomically reserve the name through the registry, construct
// the room, and let its create event carry the success reply. Exactly one
// reply goes out on every path.
func (m *Manager) handleNewRoom(resp router.Responder, req router.Request) {
	var info map[string]interface{}
	if len(req.Info) > 0 {
		if err := json.Unmarshal(req.Info, &info); err != nil {
			m.log.WithError(err).Warn("Unparseable info block on newroom request")
			info = nil
		}
	}

	spec, code := validate.NewRoom(info, m.reg, m.cfg.MaxRoom)
	if code != 0 {
		m.reject(resp, code)
		return
	}

	if m.busy != nil && m.busy() {
		m.log.WithField("room", spec.Name).Warn("Shedding newroom request under load")
		m.reject(resp, domain.CodeOverloaded)
		return
	}

	// Validation reads the registry without holding it, so a concurrent
	// request may have claimed the name since. Admit is the atomic gate.
	if ok, code := m.reg.Admit(*spec); !ok {
		m.reject(resp, code)
		return
	}

	rm := room.New(*spec, m.cfg.Room)
	rm.OnEvent(m.lifecycleHandler(rm, resp))
	if err := rm.Start(); err != nil {
		m.reg.Release(spec.Name)
		m.log.WithError(err).WithField("room", spec.Name).Error("Failed to start room")
		m.reject(resp, domain.CodeOverloaded)
		return
	}
	m.log.WithFields(logrus.Fields{
		"room": spec.Name,
		"port": rm.Port(),
	}).Info("Room created")
}

func (m *Manager) reject(resp router.Responder, code int) {
	resp.Send(newRoomReply{Response: "newroom", Result: false, ErrCode: code})
}
