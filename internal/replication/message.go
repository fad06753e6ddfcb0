// Package replication carries the best-effort room-info broadcast between
// sibling worker processes. The protocol is single-hop, at-most-once and
// unordered; dropped messages degrade the local view of the cluster until
// the next broadcast or TTL sweep corrects it.
package replication

import (
	"encoding/json"
	"fmt"

	"github.com/kliu/painttyServer/internal/domain"
)

// Kind is the closed set of replication message kinds. Envelopes are
// decoded once at the channel boundary so downstream code matches on the
// enum instead of comparing strings.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNewRoom
	KindRoomInfo
	KindRoomClose
	KindBroadcast
)

var kindNames = map[Kind]string{
	KindNewRoom:   "newroom",
	KindRoomInfo:  "roominfo",
	KindRoomClose: "roomclose",
	KindBroadcast: "broadcast",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("replication: cannot encode unknown kind %d", k)
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes a wire name, rejecting anything outside the closed
// set.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("replication: unknown message kind %q", s)
}

// Envelope is the wire form of one replication message. Info is present
// for the room kinds, Content for broadcast. Sender identifies the
// originating worker so it can skip its own messages on the shared relay.
type Envelope struct {
	Message Kind             `json:"message"`
	Sender  string           `json:"sender,omitempty"`
	Info    *domain.RoomInfo `json:"info,omitempty"`
	Content json.RawMessage  `json:"content,omitempty"`
}

// Decode parses a raw relay payload into an envelope, validating the kind
// and the presence of the payload the kind requires.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("replication: decode envelope: %w", err)
	}
	switch env.Message {
	case KindNewRoom, KindRoomInfo, KindRoomClose:
		if env.Info == nil {
			return Envelope{}, fmt.Errorf("replication: %s message without info", env.Message)
		}
	case KindBroadcast:
		if len(env.Content) == 0 {
			return Envelope{}, fmt.Errorf("replication: broadcast message without content")
		}
	}
	return env, nil
}
