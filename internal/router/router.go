// Package router dispatches manager requests by request kind.
package router

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Request is the logical envelope every manager request arrives in. Info
// stays raw so each handler decides how to decode it.
type Request struct {
	Kind string          `json:"request"`
	Info json.RawMessage `json:"info,omitempty"`
}

// Responder delivers exactly one reply back to the requesting client.
type Responder interface {
	Send(v interface{})
}

// HandlerFunc handles one request kind. Every handler must send exactly
// one reply on every path.
type HandlerFunc func(resp Responder, req Request)

// Router maps request kinds to handlers.
type Router struct {
	handlers map[string]HandlerFunc
	log      *logrus.Entry
}

// New creates an empty router.
func New() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      logrus.WithField("component", "router"),
	}
}

// Reg registers a handler for a request kind. Chainable.
func (r *Router) Reg(kind string, h HandlerFunc) *Router {
	r.handlers[kind] = h
	return r
}

// Dispatch decodes a raw request and routes it. An unparseable request is
// dropped (there is no kind to echo a reply under); an unknown kind gets a
// negative reply so the client is never left waiting.
func (r *Router) Dispatch(resp Responder, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		r.log.WithError(err).Warn("Dropping unparseable request")
		return
	}
	handler, ok := r.handlers[req.Kind]
	if !ok {
		r.log.WithField("kind", req.Kind).Warn("Request for unknown kind")
		resp.Send(map[string]interface{}{
			"response": req.Kind,
			"result":   false,
		})
		return
	}
	handler(resp, req)
}
