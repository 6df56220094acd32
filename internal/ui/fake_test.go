package ui

import (
	"sync"

	"meshchat/internal/message"
	"meshchat/internal/peer"
)

type sent struct {
	to, text string
}

type fakeMesh struct {
	mu        sync.Mutex
	id        string
	peers     []peer.Peer
	sent      []sent
	connected []string
}

func newFakeMesh(peerIDs ...string) *fakeMesh {
	m := &fakeMesh{id: "self0000-device"}
	for _, id := range peerIDs {
		m.peers = append(m.peers, peer.Peer{DeviceID: id, Host: "10.0.0.2", Port: 45678})
	}
	return m
}

func (m *fakeMesh) DeviceID() string { return m.id }

func (m *fakeMesh) Peers() []peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]peer.Peer(nil), m.peers...)
}

func (m *fakeMesh) SendMessage(to, text string) message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{to, text})
	return message.New(m.id, to, text)
}

func (m *fakeMesh) ConnectManually(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, host)
}

func (m *fakeMesh) sends() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sent...)
}
