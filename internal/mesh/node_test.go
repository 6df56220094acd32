package mesh

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"meshchat/internal/config"
	"meshchat/internal/message"
	"meshchat/internal/peer"
)

const waitFor = 3 * time.Second

type recorder struct {
	received     chan message.Message
	sent         chan message.Message
	relayed      chan message.Message
	connected    chan peer.Peer
	disconnected chan string
	statuses     chan string
}

func newRecorder() *recorder {
	return &recorder{
		received:     make(chan message.Message, 64),
		sent:         make(chan message.Message, 64),
		relayed:      make(chan message.Message, 64),
		connected:    make(chan peer.Peer, 64),
		disconnected: make(chan string, 64),
		statuses:     make(chan string, 64),
	}
}

func (r *recorder) MessageReceived(m message.Message) { r.received <- m }
func (r *recorder) MessageSent(m message.Message)     { r.sent <- m }
func (r *recorder) MessageRelayed(m message.Message)  { r.relayed <- m }
func (r *recorder) PeerConnected(p peer.Peer)         { r.connected <- p }
func (r *recorder) PeerDisconnected(id string)        { r.disconnected <- id }
func (r *recorder) StatusUpdate(s string)             { r.statuses <- s }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MeshPort = 0
	cfg.Discovery = false
	cfg.MaintenanceInterval = 50 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func startNode(t *testing.T, id string) (*Node, *recorder) {
	t.Helper()
	n := NewNode(id, testConfig(), zaptest.NewLogger(t).Named(message.ShortID(id)))
	rec := newRecorder()
	n.SetListener(rec)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	if n.Addr() == nil {
		t.Fatalf("node %s not listening", id)
	}
	return n, rec
}

// loopAddr is n's listen address on the IPv4 loopback.
func loopAddr(n *Node) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(n.Addr().(*net.TCPAddr).Port))
}

// link connects a to b and waits until both sides have registered the other.
func link(t *testing.T, a *Node, ra *recorder, b *Node, rb *recorder) {
	t.Helper()
	if err := a.Connect(loopAddr(b)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectPeer(t, ra, b.DeviceID())
	expectPeer(t, rb, a.DeviceID())
}

func expectPeer(t *testing.T, r *recorder, id string) peer.Peer {
	t.Helper()
	select {
	case p := <-r.connected:
		if p.DeviceID != id {
			t.Fatalf("connected to %q, want %q", p.DeviceID, id)
		}
		return p
	case <-time.After(waitFor):
		t.Fatalf("no peer-connected for %s", id)
	}
	return peer.Peer{}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(200 * time.Millisecond):
	}
}

// rawPeer speaks the wire protocol directly. Reads go through a
// bufio.Reader so a read can be retried after its deadline expires.
type rawPeer struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dialRaw(t *testing.T, n *Node, id string) *rawPeer {
	t.Helper()
	c, err := net.Dial("tcp", loopAddr(n))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	r := &rawPeer{conn: c, rd: bufio.NewReader(c)}

	hs, err := r.next()
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if !hs.IsHandshake() || hs.HandshakeID() != n.DeviceID() {
		t.Fatalf("first record = %+v, want handshake from %s", hs, n.DeviceID())
	}
	if id != "" {
		r.send(t, message.NewHandshake(id))
	}
	return r
}

func (r *rawPeer) send(t *testing.T, m message.Message) {
	t.Helper()
	data, err := message.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := r.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (r *rawPeer) next() (message.Message, error) {
	r.conn.SetReadDeadline(time.Now().Add(waitFor))
	line, err := r.rd.ReadBytes('\n')
	if err != nil {
		return message.Message{}, err
	}
	return message.Unmarshal(bytes.TrimSuffix(line, []byte("\n")))
}

func (r *rawPeer) expectNothing(t *testing.T) {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	line, err := r.rd.ReadBytes('\n')
	if len(line) > 0 {
		t.Fatalf("unexpected record %q", line)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// waitPeers polls until n lists exactly the given device ids.
func waitPeers(t *testing.T, n *Node, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		got := n.Peers()
		if len(got) == len(ids) {
			match := true
			for i, p := range got {
				if p.DeviceID != ids[i] {
					match = false
				}
			}
			if match {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s peers = %+v, want %v", message.ShortID(n.DeviceID()), got, ids)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRegistersBothSides(t *testing.T) {
	a, ra := startNode(t, "aaaa1111-node")
	b, rb := startNode(t, "bbbb2222-node")

	link(t, a, ra, b, rb)

	if got := a.Peers(); len(got) != 1 || got[0].DeviceID != b.DeviceID() {
		t.Fatalf("a.Peers = %+v", got)
	}
	if got := b.Peers(); len(got) != 1 || got[0].DeviceID != a.DeviceID() {
		t.Fatalf("b.Peers = %+v", got)
	}
	if got := a.Peers()[0]; got.Host != "127.0.0.1" {
		t.Fatalf("peer host = %q", got.Host)
	}
}

func TestPeerPortsAreKnown(t *testing.T) {
	a, ra := startNode(t, "aaaa1111-node")
	b, rb := startNode(t, "bbbb2222-node")

	link(t, a, ra, b, rb)

	bPort := b.Addr().(*net.TCPAddr).Port
	// outbound: the port a dialed
	if got := a.Peers()[0].Port; got != bPort {
		t.Fatalf("a sees b on port %d, want %d", got, bPort)
	}
	// inbound: the ephemeral listen port, never the configured 0
	if got := b.Peers()[0].Port; got != bPort {
		t.Fatalf("b sees a on port %d, want %d", got, bPort)
	}
}

func TestMultiHopDelivery(t *testing.T) {
	a, ra := startNode(t, "aaaa1111-node")
	b, rb := startNode(t, "bbbb2222-node")
	c, rc := startNode(t, "cccc3333-node")

	link(t, a, ra, b, rb)
	link(t, b, rb, c, rc)

	sent := a.SendMessage(c.DeviceID(), "hello")
	if sent.TTL != message.DefaultTTL || sent.From != a.DeviceID() {
		t.Fatalf("sent = %+v", sent)
	}
	select {
	case m := <-ra.sent:
		if m.ID != sent.ID {
			t.Fatalf("message-sent for %s, want %s", m.ID, sent.ID)
		}
	case <-time.After(waitFor):
		t.Fatalf("no message-sent notification")
	}

	select {
	case m := <-rb.relayed:
		if m.ID != sent.ID {
			t.Fatalf("relayed %s, want %s", m.ID, sent.ID)
		}
	case <-time.After(waitFor):
		t.Fatalf("b did not relay")
	}

	select {
	case m := <-rc.received:
		if m.From != a.DeviceID() || m.Text != "hello" || m.ID != sent.ID {
			t.Fatalf("c received %+v", m)
		}
		if m.TTL != message.DefaultTTL-1 {
			t.Fatalf("c received ttl %d, want %d", m.TTL, message.DefaultTTL-1)
		}
	case <-time.After(waitFor):
		t.Fatalf("c did not receive")
	}

	expectNone(t, rb.received, "delivery at relay")
	expectNone(t, ra.received, "delivery at origin")
}

func TestEchoDroppedAtOriginator(t *testing.T) {
	a, ra := startNode(t, "aaaa1111-node")
	b, rb := startNode(t, "bbbb2222-node")
	c, rc := startNode(t, "cccc3333-node")

	// triangle: every copy can loop back to a
	link(t, a, ra, b, rb)
	link(t, b, rb, c, rc)
	link(t, c, rc, a, ra)

	sent := a.SendMessage("dddd4444-absent", "anyone?")

	for _, r := range []*recorder{rb, rc} {
		select {
		case m := <-r.relayed:
			if m.ID != sent.ID {
				t.Fatalf("relayed %s", m.ID)
			}
		case <-time.After(waitFor):
			t.Fatalf("message not relayed")
		}
	}

	expectNone(t, ra.relayed, "relay at originator")
	expectNone(t, ra.received, "delivery at originator")
	expectNone(t, rb.relayed, "second relay at b")
	expectNone(t, rc.relayed, "second relay at c")
}

func TestDiscoveryEventsDialOnce(t *testing.T) {
	n, _ := startNode(t, "aaaa1111-node")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var accepts atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			defer c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	n.HandleDiscovered("bbbb2222-node", "127.0.0.1", port)
	n.HandleDiscovered("bbbb2222-node", "127.0.0.1", port)
	if !n.table.IsConnecting("bbbb2222-node") {
		t.Fatalf("id not marked connecting")
	}

	time.Sleep(300 * time.Millisecond)
	n.HandleDiscovered("bbbb2222-node", "127.0.0.1", port)
	time.Sleep(200 * time.Millisecond)

	if got := accepts.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestDiscoveryDialFailureClearsMarker(t *testing.T) {
	n, _ := startNode(t, "aaaa1111-node")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	n.HandleDiscovered("bbbb2222-node", "127.0.0.1", port)
	deadline := time.Now().Add(waitFor)
	for n.table.IsConnecting("bbbb2222-node") {
		if time.Now().After(deadline) {
			t.Fatalf("connecting marker not cleared after failed dial")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDiscoveredIDMismatchClearsMarker(t *testing.T) {
	a, ra := startNode(t, "aaaa1111-node")
	b, _ := startNode(t, "bbbb2222-node")

	// the announcement names cccc but bbbb answers on that address
	a.HandleDiscovered("cccc3333-node", "127.0.0.1", b.Addr().(*net.TCPAddr).Port)
	expectPeer(t, ra, b.DeviceID())

	deadline := time.Now().Add(waitFor)
	for a.table.IsConnecting("cccc3333-node") {
		if time.Now().After(deadline) {
			t.Fatalf("marker for announced id left behind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !a.table.MarkConnecting("cccc3333-node") {
		t.Fatalf("announced id still blocked from dialing")
	}
}

func TestConcurrentDiscoveryDialsConverge(t *testing.T) {
	a, _ := startNode(t, "aaaa1111-node")
	b, rb := startNode(t, "bbbb2222-node")
	aPort := a.Addr().(*net.TCPAddr).Port
	bPort := b.Addr().(*net.TCPAddr).Port

	// repeated rounds stand in for periodic announcements
	deadline := time.Now().Add(waitFor)
	for {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.HandleDiscovered(b.DeviceID(), "127.0.0.1", bPort) }()
		go func() { defer wg.Done(); b.HandleDiscovered(a.DeviceID(), "127.0.0.1", aPort) }()
		wg.Wait()
		time.Sleep(200 * time.Millisecond)

		for _, n := range []*Node{a, b} {
			if got := n.table.Len(); got > 1 {
				t.Fatalf("%s holds %d links", message.ShortID(n.DeviceID()), got)
			}
			for id, c := range n.table.Snapshot() {
				if !c.IsConnected() {
					t.Fatalf("%s registered a closed link to %s", message.ShortID(n.DeviceID()), id)
				}
			}
		}
		if a.table.Len() == 1 && b.table.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no stable link: a=%d b=%d", a.table.Len(), b.table.Len())
		}
	}

	a.SendMessage(b.DeviceID(), "over the survivor")
	select {
	case m := <-rb.received:
		if m.Text != "over the survivor" {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(waitFor):
		t.Fatalf("b did not receive")
	}
}

func TestTTLZeroIsNotForwarded(t *testing.T) {
	relay, rr := startNode(t, "bbbb2222-relay")

	x := dialRaw(t, relay, "xxxx0000-left")
	expectPeer(t, rr, "xxxx0000-left")
	y := dialRaw(t, relay, "yyyy0000-right")
	expectPeer(t, rr, "yyyy0000-right")

	expired := message.Message{ID: "m-expired", From: "xxxx0000-left", To: "zzzz9999", TTL: 0, Text: "late", Timestamp: 1}
	x.send(t, expired)

	y.expectNothing(t)
	expectNone(t, rr.relayed, "relay of expired message")
	expectNone(t, rr.received, "delivery of expired message")

	live := message.Message{ID: "m-live", From: "xxxx0000-left", To: "zzzz9999", TTL: 1, Text: "hop", Timestamp: 2}
	x.send(t, live)

	got, err := y.next()
	if err != nil {
		t.Fatalf("read forwarded: %v", err)
	}
	if got != live.Forwarded() {
		t.Fatalf("forwarded = %+v, want %+v", got, live.Forwarded())
	}
	// never echoed to the link it came from
	x.expectNothing(t)
}

func TestDuplicateLinkLastRegisteredWins(t *testing.T) {
	n, rec := startNode(t, "aaaa1111-node")

	first := dialRaw(t, n, "bbbb2222-node")
	expectPeer(t, rec, "bbbb2222-node")
	second := dialRaw(t, n, "bbbb2222-node")
	expectPeer(t, rec, "bbbb2222-node")

	if _, err := first.next(); err == nil {
		t.Fatalf("older link still open")
	}

	if got := n.table.Len(); got != 1 {
		t.Fatalf("table has %d entries, want 1", got)
	}
	expectNone(t, rec.disconnected, "disconnect for replaced link")

	// the surviving link carries traffic
	n.SendMessage("bbbb2222-node", "still here")
	m, err := second.next()
	if err != nil || m.Text != "still here" {
		t.Fatalf("surviving link read = %+v, %v", m, err)
	}
}

func TestClosedLinkReportedOnce(t *testing.T) {
	n, rec := startNode(t, "aaaa1111-node")

	raw := dialRaw(t, n, "bbbb2222-node")
	expectPeer(t, rec, "bbbb2222-node")
	raw.conn.Close()

	select {
	case id := <-rec.disconnected:
		if id != "bbbb2222-node" {
			t.Fatalf("disconnected %q", id)
		}
	case <-time.After(waitFor):
		t.Fatalf("no peer-disconnected")
	}
	// maintenance runs several times in this window
	expectNone(t, rec.disconnected, "second disconnect")
	if n.table.Len() != 0 {
		t.Fatalf("table not empty")
	}
}

func TestReapRemovesDeadEntries(t *testing.T) {
	n := NewNode("aaaa1111-node", testConfig(), zaptest.NewLogger(t))
	rec := newRecorder()
	n.SetListener(rec)

	local, remote := net.Pipe()
	defer remote.Close()
	pc := peer.NewConn(local, 0, nil)
	pc.SetPeer(peer.Peer{DeviceID: "bbbb2222-node"})
	n.table.Register("bbbb2222-node", pc)
	n.table.MarkConnecting("cccc3333-node")

	pc.Close()
	n.reap()

	if n.table.Len() != 0 {
		t.Fatalf("dead link not reaped")
	}
	if got := <-rec.disconnected; got != "bbbb2222-node" {
		t.Fatalf("disconnected %q", got)
	}
	if !n.table.IsConnecting("cccc3333-node") {
		t.Fatalf("unrelated connecting marker pruned")
	}
}

func TestSelfConnectionRejected(t *testing.T) {
	n, rec := startNode(t, "aaaa1111-node")

	if err := n.Connect(loopAddr(n)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectNone(t, rec.connected, "self registration")
	if n.table.Len() != 0 {
		t.Fatalf("self registered in table")
	}
}

func TestConnectManuallyReportsFailure(t *testing.T) {
	n, rec := startNode(t, "aaaa1111-node")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	// drain the startup status
	<-rec.statuses
	n.ConnectManually(addr)
	select {
	case s := <-rec.statuses:
		if !strings.HasPrefix(s, "Connect failed: "+addr) {
			t.Fatalf("status = %q", s)
		}
	case <-time.After(waitFor):
		t.Fatalf("no failure status")
	}
}

func TestListenerBindFailureReported(t *testing.T) {
	blocker, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer blocker.Close()

	cfg := testConfig()
	cfg.MeshPort = blocker.Addr().(*net.TCPAddr).Port
	n := NewNode("aaaa1111-node", cfg, zaptest.NewLogger(t))
	rec := newRecorder()
	n.SetListener(rec)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	if n.Addr() != nil {
		t.Fatalf("listener unexpectedly bound")
	}
	if s := <-rec.statuses; !strings.Contains(s, "in use") {
		t.Fatalf("status = %q", s)
	}
	if err := n.Start(); err != ErrAlreadyStarted {
		t.Fatalf("second Start = %v", err)
	}
}

func TestStopClosesLinksAndIsIdempotent(t *testing.T) {
	n := NewNode("aaaa1111-node", testConfig(), zaptest.NewLogger(t))
	rec := newRecorder()
	n.SetListener(rec)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	established := dialRaw(t, n, "bbbb2222-node")
	expectPeer(t, rec, "bbbb2222-node")
	pending := dialRaw(t, n, "")

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	for name, r := range map[string]*rawPeer{"established": established, "pending": pending} {
		if _, err := r.next(); err == nil {
			t.Fatalf("%s link still open after Stop", name)
		}
	}
	expectNone(t, rec.disconnected, "disconnect during shutdown")

	if _, err := net.DialTimeout("tcp", loopAddr(n), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting")
	}
}

func TestNoListenerAttached(t *testing.T) {
	a := NewNode("aaaa1111-node", testConfig(), nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()
	b, rb := startNode(t, "bbbb2222-node")

	if err := b.Connect(loopAddr(a)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectPeer(t, rb, a.DeviceID())
	waitPeers(t, a, b.DeviceID())
	a.SendMessage(b.DeviceID(), "headless")

	select {
	case m := <-rb.received:
		if m.Text != "headless" {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(waitFor):
		t.Fatalf("b did not receive")
	}
}
