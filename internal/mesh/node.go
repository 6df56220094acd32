// Package mesh runs a chat node: it accepts and dials TCP links, exchanges
// handshakes, keeps one link per remote device, and floods messages through
// the mesh under the router's control.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshchat/internal/config"
	"meshchat/internal/discovery"
	"meshchat/internal/message"
	"meshchat/internal/peer"
	"meshchat/internal/router"
	"meshchat/internal/telemetry"
)

var ErrAlreadyStarted = errors.New("mesh node already started")

// Node is one participant in the mesh. A Node runs once: after Stop it
// cannot be restarted.
type Node struct {
	id     string
	cfg    config.Config
	log    *zap.Logger
	router *router.Router
	table  *Table

	listenerMu sync.RWMutex
	listener   Listener

	// live holds every open link, including ones still waiting for the
	// remote handshake, so Stop can close them all.
	liveMu   sync.Mutex
	live     map[*peer.Conn]struct{}
	stopping bool

	ln   net.Listener
	port int // bound listen port, recorded for inbound links
	disc *discovery.Service

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

func NewNode(deviceID string, cfg config.Config, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:     deviceID,
		cfg:    cfg,
		log:    log,
		router: router.New(cfg.SeenCapacity, log.Named("router")),
		table:  NewTable(),
		live:   make(map[*peer.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetListener installs the notification sink. nil detaches it.
func (n *Node) SetListener(l Listener) {
	n.listenerMu.Lock()
	defer n.listenerMu.Unlock()
	n.listener = l
}

func (n *Node) notify() Listener {
	n.listenerMu.RLock()
	defer n.listenerMu.RUnlock()
	if n.listener == nil {
		return NopListener{}
	}
	return n.listener
}

func (n *Node) DeviceID() string {
	return n.id
}

// Addr is the TCP listen address, or nil when the listener is not running.
func (n *Node) Addr() net.Addr {
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Peers lists established peers sorted by device id.
func (n *Node) Peers() []peer.Peer {
	return n.table.Peers()
}

// Start opens the TCP listener, starts discovery and the maintenance loop.
// A listener bind failure is reported through StatusUpdate and the node
// keeps running without accepting inbound links.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	advertised := n.cfg.MeshPort
	if err := n.listen(); err != nil {
		n.log.Error("failed to start tcp server", zap.Int("port", n.cfg.MeshPort), zap.Error(err))
		n.status(fmt.Sprintf("ERROR: Port %d in use!", n.cfg.MeshPort))
	} else {
		advertised = n.ln.Addr().(*net.TCPAddr).Port
		n.port = advertised
		n.status(fmt.Sprintf("Listening on port %d", advertised))
		n.wg.Add(1)
		go n.acceptLoop()
	}

	if n.cfg.Discovery {
		n.disc = discovery.New(discovery.Config{
			DeviceID: n.id,
			TCPPort:  advertised,
			Port:     n.cfg.DiscoveryPort,
			Interval: n.cfg.BroadcastInterval,
			OnStatus: n.status,
			Logger:   n.log.Named("discovery"),
		}, n.HandleDiscovered)
		n.disc.Start()
	}

	n.wg.Add(1)
	go n.maintain()

	n.log.Info("mesh node started", zap.String("device", n.id), zap.Int("port", advertised))
	return nil
}

func (n *Node) listen() error {
	var lc net.ListenConfig
	ln, err := lc.Listen(n.ctx, "tcp", net.JoinHostPort("", strconv.Itoa(n.cfg.MeshPort)))
	if err != nil {
		return err
	}
	n.ln = ln
	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			n.log.Warn("accept error", zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-n.ctx.Done():
				return
			}
			continue
		}

		n.log.Info("incoming connection", zap.String("remote", conn.RemoteAddr().String()))
		n.attach(conn, "", n.port)
	}
}

// HandleDiscovered is the dial routine for peers learned from discovery or
// another rendezvous source. It is a no-op for ids that are already
// established or being dialed.
func (n *Node) HandleDiscovered(deviceID, host string, tcpPort int) {
	if deviceID == "" || deviceID == n.id || n.ctx.Err() != nil {
		return
	}
	if tcpPort <= 0 {
		tcpPort = n.cfg.MeshPort
	}
	if !n.table.MarkConnecting(deviceID) {
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(tcpPort))
	go func() {
		_ = n.dial(deviceID, addr, "discovery")
	}()
}

// Connect dials host directly, bypassing discovery, and starts the
// handshake on success. host may omit the port, in which case the mesh
// port is used.
func (n *Node) Connect(host string) error {
	return n.dial("", NormalizeHostPort(host, n.cfg.MeshPort), "manual")
}

// ConnectManually is Connect run in the background; failures are reported
// through StatusUpdate.
func (n *Node) ConnectManually(host string) {
	n.log.Info("manual connect", zap.String("host", host))
	go func() {
		if err := n.Connect(host); err != nil && n.ctx.Err() == nil {
			n.status(fmt.Sprintf("Connect failed: %s - %v", host, err))
		}
	}()
}

// dial opens a link to addr. expectedID is the device id the caller believes
// lives there; its connecting marker is cleared if the dial fails.
func (n *Node) dial(expectedID, addr, origin string) error {
	n.log.Info("connecting", zap.String("peer", message.ShortID(expectedID)), zap.String("addr", addr))

	d := net.Dialer{Timeout: n.cfg.DialTimeout}
	conn, err := d.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		telemetry.DialsTotal.WithLabelValues(origin, "error").Inc()
		if expectedID != "" {
			n.table.ClearConnecting(expectedID)
		}
		if n.ctx.Err() == nil {
			n.log.Warn("failed to connect", zap.String("addr", addr), zap.Error(err))
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	telemetry.DialsTotal.WithLabelValues(origin, "ok").Inc()
	n.attach(conn, expectedID, portOf(addr, n.cfg.MeshPort))
	return nil
}

// attach wraps a fresh socket, sends our handshake before anything else and
// starts its read loop.
func (n *Node) attach(c net.Conn, expectedID string, port int) {
	pc := peer.NewConn(c, n.cfg.SendQueue, n.log.Named("peer"))
	if !n.track(pc) {
		pc.Close()
		if expectedID != "" {
			n.table.ClearConnecting(expectedID)
		}
		return
	}

	pc.Send(message.NewHandshake(n.id))
	pc.StartReading(
		func(msg message.Message) { n.handleIncoming(msg, pc, expectedID, port) },
		func() { n.handleClosed(pc, expectedID) },
	)
}

func (n *Node) track(pc *peer.Conn) bool {
	n.liveMu.Lock()
	defer n.liveMu.Unlock()
	if n.stopping {
		return false
	}
	n.live[pc] = struct{}{}
	return true
}

func (n *Node) untrack(pc *peer.Conn) {
	n.liveMu.Lock()
	defer n.liveMu.Unlock()
	delete(n.live, pc)
}

func (n *Node) handleIncoming(msg message.Message, pc *peer.Conn, expectedID string, port int) {
	if msg.IsHandshake() {
		n.handshake(msg, pc, expectedID, port)
		return
	}

	action := n.router.Route(msg, n.id)
	telemetry.RoutedTotal.WithLabelValues(action.String()).Inc()

	switch action {
	case router.Deliver:
		n.log.Info("message for me", zap.String("from", message.ShortID(msg.From)), zap.String("id", msg.ID))
		n.notify().MessageReceived(msg)
	case router.Forward:
		fwd := msg.Forwarded()
		sent := n.broadcast(fwd, pc)
		n.log.Debug("forwarding",
			zap.String("id", message.ShortID(msg.ID)),
			zap.Int("ttl", fwd.TTL),
			zap.Int("links", sent))
		n.notify().MessageRelayed(msg)
	case router.Drop:
	}
}

func (n *Node) handshake(msg message.Message, pc *peer.Conn, expectedID string, port int) {
	id := msg.HandshakeID()
	if id == "" || n.ctx.Err() != nil {
		return
	}
	// the host answered with a different id than was announced
	if expectedID != "" && expectedID != id {
		n.table.ClearConnecting(expectedID)
	}
	if id == n.id {
		n.log.Warn("closing connection to self", zap.String("remote", pc.RemoteHost()))
		pc.Close()
		return
	}

	if prev := pc.Peer(); prev != nil && prev.DeviceID != id {
		if n.table.Unregister(prev.DeviceID, pc) {
			n.peerGone(prev.DeviceID)
		}
	}

	p := peer.Peer{DeviceID: id, Host: pc.RemoteHost(), Port: port}
	pc.SetPeer(p)

	old, added := n.table.Register(id, pc)
	if old != nil {
		n.log.Info("duplicate connection, closing old", zap.String("peer", p.ShortID()))
		old.Close()
	}
	if !added {
		return
	}

	telemetry.PeersConnected.Set(float64(n.table.Len()))
	n.log.Info("peer registered", zap.String("peer", p.ShortID()), zap.String("host", p.Host))
	n.notify().PeerConnected(p)
}

func (n *Node) handleClosed(pc *peer.Conn, expectedID string) {
	n.untrack(pc)

	p := pc.Peer()
	if p == nil {
		if expectedID != "" {
			n.table.ClearConnecting(expectedID)
		}
		return
	}
	if n.table.Unregister(p.DeviceID, pc) {
		n.log.Info("peer disconnected", zap.String("peer", p.ShortID()))
		n.peerGone(p.DeviceID)
	}
}

func (n *Node) peerGone(id string) {
	telemetry.PeersConnected.Set(float64(n.table.Len()))
	n.notify().PeerDisconnected(id)
}

// broadcast sends msg on every established link except exclude and returns
// how many links accepted it.
func (n *Node) broadcast(msg message.Message, exclude *peer.Conn) int {
	sent := 0
	for _, c := range n.table.Snapshot() {
		if c == exclude || !c.IsConnected() {
			continue
		}
		if c.Send(msg) {
			sent++
		}
	}
	return sent
}

// SendMessage originates a chat message to deviceID and floods it to every
// established link. The id is marked seen first so copies that loop back
// here are dropped.
func (n *Node) SendMessage(deviceID, text string) message.Message {
	msg := message.New(n.id, deviceID, text)
	n.router.MarkSeen(msg.ID)

	sent := n.broadcast(msg, nil)
	telemetry.SentTotal.Inc()
	n.log.Info("sending message", zap.String("to", message.ShortID(deviceID)), zap.Int("links", sent))

	n.notify().MessageSent(msg)
	return msg
}

func (n *Node) maintain() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.reap()
		case <-n.ctx.Done():
			return
		}
	}
}

// reap drops established links whose socket has died and connecting markers
// for ids that have since been established.
func (n *Node) reap() {
	for id, c := range n.table.Snapshot() {
		if c.IsConnected() {
			continue
		}
		if n.table.Unregister(id, c) {
			n.log.Info("removing dead connection", zap.String("peer", message.ShortID(id)))
			n.peerGone(id)
		}
	}
	if pruned := n.table.PruneConnecting(); pruned > 0 {
		n.log.Debug("pruned connecting markers", zap.Int("count", pruned))
	}
}

func (n *Node) status(text string) {
	n.notify().StatusUpdate(text)
}

// Stop shuts down discovery, maintenance, every link and the listener.
// Later calls return the first call's result.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.cancel()
		if n.disc != nil {
			n.disc.Stop()
		}

		n.liveMu.Lock()
		n.stopping = true
		live := make([]*peer.Conn, 0, len(n.live))
		for c := range n.live {
			live = append(live, c)
		}
		n.liveMu.Unlock()

		// cleared first so closing links does not emit disconnect notifications
		n.table.Clear()

		var err error
		if n.ln != nil {
			err = multierr.Append(err, ignoreClosed(n.ln.Close()))
		}
		for _, c := range live {
			err = multierr.Append(err, ignoreClosed(c.Close()))
		}

		n.wg.Wait()
		telemetry.PeersConnected.Set(0)
		n.log.Info("mesh node stopped")
		n.stopErr = err
	})
	return n.stopErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
