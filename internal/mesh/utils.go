package mesh

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPort adds defPort to addr when it carries no port. Bare IPv6
// literals are bracketed.
func NormalizeHostPort(addr string, defPort int) string {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	return net.JoinHostPort(addr, strconv.Itoa(defPort))
}

func portOf(addr string, def int) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return def
	}
	return n
}
