package mesh

import (
	"meshchat/internal/message"
	"meshchat/internal/peer"
)

// Listener receives advisory notifications from a Node. Calls arrive on the
// node's network goroutines and must not block for long.
type Listener interface {
	MessageReceived(msg message.Message)
	MessageSent(msg message.Message)
	MessageRelayed(msg message.Message)
	PeerConnected(p peer.Peer)
	PeerDisconnected(deviceID string)
	StatusUpdate(status string)
}

// NopListener ignores every notification. Embed it to implement only some
// of Listener.
type NopListener struct{}

func (NopListener) MessageReceived(message.Message) {}
func (NopListener) MessageSent(message.Message)     {}
func (NopListener) MessageRelayed(message.Message)  {}
func (NopListener) PeerConnected(peer.Peer)         {}
func (NopListener) PeerDisconnected(string)         {}
func (NopListener) StatusUpdate(string)             {}

// Listeners fans each notification out to every member in order.
type Listeners []Listener

func (ls Listeners) MessageReceived(msg message.Message) {
	for _, l := range ls {
		l.MessageReceived(msg)
	}
}

func (ls Listeners) MessageSent(msg message.Message) {
	for _, l := range ls {
		l.MessageSent(msg)
	}
}

func (ls Listeners) MessageRelayed(msg message.Message) {
	for _, l := range ls {
		l.MessageRelayed(msg)
	}
}

func (ls Listeners) PeerConnected(p peer.Peer) {
	for _, l := range ls {
		l.PeerConnected(p)
	}
}

func (ls Listeners) PeerDisconnected(deviceID string) {
	for _, l := range ls {
		l.PeerDisconnected(deviceID)
	}
}

func (ls Listeners) StatusUpdate(status string) {
	for _, l := range ls {
		l.StatusUpdate(status)
	}
}
