package ui

import (
	"time"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/peer"
)

type EventKind int

const (
	EventReceived EventKind = iota
	EventSent
	EventRelayed
	EventPeerUp
	EventPeerDown
	EventStatus
)

// Event is one node notification, queued for a front end.
type Event struct {
	Kind     EventKind
	Msg      message.Message
	Peer     peer.Peer
	DeviceID string
	Text     string
	At       time.Time
}

const DefaultEventBuffer = 256

// Bridge turns node notifications into a stream of Events. The node's
// goroutines never wait on the front end: when the buffer is full the
// event is dropped.
type Bridge struct {
	ch  chan Event
	log *zap.Logger
}

func NewBridge(buffer int, log *zap.Logger) *Bridge {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{ch: make(chan Event, buffer), log: log}
}

func (b *Bridge) Events() <-chan Event {
	return b.ch
}

func (b *Bridge) push(ev Event) {
	ev.At = time.Now()
	select {
	case b.ch <- ev:
	default:
		b.log.Warn("ui event buffer full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}

func (b *Bridge) MessageReceived(msg message.Message) {
	b.push(Event{Kind: EventReceived, Msg: msg})
}

func (b *Bridge) MessageSent(msg message.Message) {
	b.push(Event{Kind: EventSent, Msg: msg})
}

func (b *Bridge) MessageRelayed(msg message.Message) {
	b.push(Event{Kind: EventRelayed, Msg: msg})
}

func (b *Bridge) PeerConnected(p peer.Peer) {
	b.push(Event{Kind: EventPeerUp, Peer: p, DeviceID: p.DeviceID})
}

func (b *Bridge) PeerDisconnected(deviceID string) {
	b.push(Event{Kind: EventPeerDown, DeviceID: deviceID})
}

func (b *Bridge) StatusUpdate(status string) {
	b.push(Event{Kind: EventStatus, Text: status})
}
