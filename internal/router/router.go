// Package router makes the flood-routing decision for every inbound message
// and keeps the duplicate-suppression cache that bounds the flood.
package router

import (
	"sync"

	"go.uber.org/zap"

	"meshchat/internal/message"
)

// Action is the verdict for one inbound message.
type Action int

const (
	Drop Action = iota
	Deliver
	Forward
)

func (a Action) String() string {
	switch a {
	case Deliver:
		return "deliver"
	case Forward:
		return "forward"
	default:
		return "drop"
	}
}

type Router struct {
	mu   sync.Mutex
	seen *SeenSet
	log  *zap.Logger
}

func New(capacity int, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		seen: NewSeenSet(capacity),
		log:  log,
	}
}

// Route decides what to do with msg at the node identified by localID. The
// id is recorded as seen on every non-duplicate call, so a given id yields a
// non-drop verdict at most once while it stays in the cache. Forwarding
// callers must send msg.Forwarded(), not msg.
func (r *Router) Route(msg message.Message, localID string) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.Contains(msg.ID) {
		r.log.Debug("drop duplicate", zap.String("id", msg.ID))
		return Drop
	}
	r.seen.Add(msg.ID)

	if msg.To == localID {
		r.log.Debug("deliver", zap.String("id", msg.ID), zap.String("from", message.ShortID(msg.From)))
		return Deliver
	}
	if msg.TTL > 0 {
		r.log.Debug("forward",
			zap.String("id", msg.ID),
			zap.String("to", message.ShortID(msg.To)),
			zap.Int("ttl", msg.TTL))
		return Forward
	}

	r.log.Debug("drop expired", zap.String("id", msg.ID))
	return Drop
}

// MarkSeen records id so later copies of it are dropped. Used for messages
// this node originates.
func (r *Router) MarkSeen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen.Add(id)
}

// Seen reports whether id is currently remembered.
func (r *Router) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Contains(id)
}

// SeenLen is the number of remembered ids.
func (r *Router) SeenLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Len()
}
