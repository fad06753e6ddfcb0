// Package validate turns untyped newroom payloads into typed room specs.
package validate

import (
	"unicode/utf8"

	"github.com/kliu/painttyServer/internal/domain"
)

const (
	maxRoomLoad      = 17
	maxWelcomeMsgLen = 40
	maxPasswordLen   = 16
)

// RoomIndex is the registry view the validator reads: the current tracked
// room count and cluster-wide name collisions. Validation has no other side
// effects.
type RoomIndex interface {
	Count() int
	Has(name string) bool
}

// NewRoom validates an untyped creation payload into a RoomSpec, or
// returns a single rejection code. The first failing check wins and the
// check order is fixed: info presence, capacity, name presence, name type,
// name uniqueness, maxload range, welcomemsg, password, emptyclose, canvas
// size. A zero code means the spec is valid.
func NewRoom(info map[string]interface{}, idx RoomIndex, maxRoom int) (*domain.RoomSpec, int) {
	if info == nil {
		return nil, domain.CodeMissingInfo
	}

	if maxRoom > 0 && idx.Count() >= maxRoom {
		return nil, domain.CodeRoomLimit
	}

	nameVal, ok := info["name"]
	if !ok {
		return nil, domain.CodeBadName
	}
	name, ok := nameVal.(string)
	if !ok || name == "" {
		return nil, domain.CodeBadName
	}
	if idx.Has(name) {
		return nil, domain.CodeNameTaken
	}

	maxLoad, ok := intField(info, "maxload")
	if !ok || maxLoad < 0 || maxLoad > maxRoomLoad {
		return nil, domain.CodeBadMaxLoad
	}

	welcomeMsg := ""
	if v, present := info["welcomemsg"]; present && v != nil {
		s, ok := v.(string)
		if !ok || utf8.RuneCountInString(s) > maxWelcomeMsgLen {
			return nil, domain.CodeBadWelcomeMsg
		}
		welcomeMsg = s
	}

	password := ""
	if v, present := info["password"]; present && v != nil {
		s, ok := v.(string)
		if !ok || utf8.RuneCountInString(s) > maxPasswordLen {
			return nil, domain.CodeBadPassword
		}
		password = s
	}

	emptyClose := false
	if v, present := info["emptyclose"]; present && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, domain.CodeBadPassword
		}
		emptyClose = b
	}

	sizeVal, ok := info["size"]
	if !ok {
		return nil, domain.CodeBadCanvasSize
	}
	sizeObj, ok := sizeVal.(map[string]interface{})
	if !ok {
		return nil, domain.CodeBadCanvasSize
	}
	width, wok := intField(sizeObj, "width")
	height, hok := intField(sizeObj, "height")
	if !wok || !hok || width <= 0 || height <= 0 {
		return nil, domain.CodeBadCanvasSize
	}

	return &domain.RoomSpec{
		Name:            name,
		MaxLoad:         maxLoad,
		WelcomeMsg:      welcomeMsg,
		Password:        password,
		EmptyClose:      emptyClose,
		CanvasSize:      domain.CanvasSize{Width: width, Height: height},
		ExpirationHours: domain.DefaultExpirationHours,
	}, 0
}

// intField reads an integer out of a decoded JSON object. encoding/json
// gives numbers as float64; fractional parts are truncated the way the
// protocol always has.
func intField(obj map[string]interface{}, key string) (int, bool) {
	v, present := obj[key]
	if !present || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
