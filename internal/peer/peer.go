// Package peer wraps one established duplex link to a remote mesh node.
package peer

import (
	"fmt"

	"meshchat/internal/message"
)

// Peer is a remote node's identity and address as observed at handshake
// time.
type Peer struct {
	DeviceID string
	Host     string
	Port     int
}

func (p Peer) ShortID() string {
	return message.ShortID(p.DeviceID)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s... @ %s:%d", p.ShortID(), p.Host, p.Port)
}
