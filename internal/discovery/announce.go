package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const announcePrefix = "MESHCHAT"

var ErrMalformedAnnouncement = errors.New("malformed discovery announcement")

// Announcement is the content of one presence datagram.
type Announcement struct {
	DeviceID string
	TCPPort  int
}

// FormatAnnouncement builds the payload MESHCHAT:<deviceId>:<tcpPort>.
func FormatAnnouncement(deviceID string, tcpPort int) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", announcePrefix, deviceID, tcpPort))
}

// ParseAnnouncement decodes a presence datagram.
func ParseAnnouncement(payload []byte) (Announcement, error) {
	parts := strings.Split(strings.TrimSpace(string(payload)), ":")
	if len(parts) != 3 || parts[0] != announcePrefix {
		return Announcement{}, ErrMalformedAnnouncement
	}
	if parts[1] == "" {
		return Announcement{}, fmt.Errorf("%w: empty device id", ErrMalformedAnnouncement)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return Announcement{}, fmt.Errorf("%w: bad port %q", ErrMalformedAnnouncement, parts[2])
	}
	return Announcement{DeviceID: parts[1], TCPPort: port}, nil
}
