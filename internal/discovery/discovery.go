// Package discovery announces this node on every LAN interface by UDP
// broadcast and reports peers announcing themselves.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/telemetry"
)

const (
	DefaultPort     = 45679
	DefaultInterval = 2 * time.Second

	readTimeout    = time.Second
	readErrBackoff = 50 * time.Millisecond
	maxDatagram    = 512
)

// Handler is invoked for every announcement from another node.
type Handler func(deviceID, host string, tcpPort int)

type Config struct {
	DeviceID string
	TCPPort  int           // advertised mesh port
	Port     int           // UDP discovery port
	Interval time.Duration // between broadcast rounds

	// OnStatus receives conditions worth surfacing to the user, such as a
	// discovery port already in use.
	OnStatus func(string)
	Logger   *zap.Logger
}

type Service struct {
	cfg    Config
	onPeer Handler
	log    *zap.Logger

	// interfaces is swapped in tests.
	interfaces func() ([]InterfaceAddr, error)

	mu   sync.Mutex
	conn net.PacketConn

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, onPeer Handler) *Service {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		onPeer:     onPeer,
		log:        log,
		interfaces: LocalAddresses,
		stop:       make(chan struct{}),
	}
}

// Start binds the discovery socket and launches the broadcast and listen
// loops. It does not block. A bind failure disables listening only; it is
// logged and reported through OnStatus.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.logLocalAddresses()

		if err := s.bind(); err != nil {
			s.log.Error("cannot bind discovery port, another app may be using it",
				zap.Int("port", s.cfg.Port), zap.Error(err))
			s.status(fmt.Sprintf("ERROR: discovery port %d in use", s.cfg.Port))
		} else {
			s.wg.Add(1)
			go s.listen()
		}

		s.wg.Add(1)
		go s.announce()
	})
}

// Stop signals both loops to end and waits for them.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// ListenAddr is the bound discovery socket address, or nil if not bound.
func (s *Service) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Service) bind() error {
	lc := net.ListenConfig{Control: listenControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("listening for discovery broadcasts", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

func (s *Service) announce() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.broadcastRound()
	for {
		select {
		case <-ticker.C:
			s.broadcastRound()
		case <-s.stop:
			return
		}
	}
}

// broadcastRound sends one announcement from every LAN interface.
func (s *Service) broadcastRound() {
	addrs, err := s.interfaces()
	if err != nil {
		s.log.Warn("interface enumeration failed", zap.Error(err))
		return
	}
	if len(addrs) == 0 {
		s.log.Warn("no LAN interfaces found, check network connection")
		return
	}

	payload := FormatAnnouncement(s.cfg.DeviceID, s.cfg.TCPPort)
	for _, addr := range addrs {
		if err := s.broadcastFrom(addr, payload); err != nil {
			s.log.Warn("broadcast failed", zap.String("iface", addr.Name), zap.Stringer("ip", addr.IP), zap.Error(err))
		}
	}
}

// broadcastFrom sends payload to the interface's subnet broadcast address
// and to 255.255.255.255 from a socket bound to that interface's address.
// Individual send failures are expected on some networks and ignored.
func (s *Service) broadcastFrom(addr InterfaceAddr, payload []byte) error {
	lc := net.ListenConfig{Control: broadcastControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(addr.IP.String(), "0"))
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, target := range []net.IP{addr.Broadcast(), net.IPv4bcast} {
		_, err := conn.WriteTo(payload, &net.UDPAddr{IP: target, Port: s.cfg.Port})
		if err != nil {
			telemetry.AnnouncementsTotal.WithLabelValues("out", "error").Inc()
			continue
		}
		telemetry.AnnouncementsTotal.WithLabelValues("out", "sent").Inc()
	}
	s.log.Debug("broadcast", zap.Stringer("from", addr.IP), zap.Stringer("to", addr.Broadcast()), zap.Int("port", s.cfg.Port))
	return nil
}

func (s *Service) listen() {
	defer s.wg.Done()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("discovery read error", zap.Error(err))
			select {
			case <-time.After(readErrBackoff):
			case <-s.stop:
				return
			}
			continue
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Service) handleDatagram(payload []byte, from net.Addr) {
	ann, err := ParseAnnouncement(payload)
	if err != nil {
		telemetry.AnnouncementsTotal.WithLabelValues("in", "malformed").Inc()
		return
	}
	if ann.DeviceID == s.cfg.DeviceID {
		telemetry.AnnouncementsTotal.WithLabelValues("in", "self").Inc()
		return
	}
	host := from.String()
	if udp, ok := from.(*net.UDPAddr); ok {
		host = udp.IP.String()
	}

	telemetry.AnnouncementsTotal.WithLabelValues("in", "peer").Inc()
	s.log.Debug("found peer", zap.String("peer", message.ShortID(ann.DeviceID)), zap.String("host", host))
	if s.onPeer != nil {
		s.onPeer(ann.DeviceID, host, ann.TCPPort)
	}
}

func (s *Service) logLocalAddresses() {
	addrs, err := s.interfaces()
	if err != nil {
		s.log.Warn("could not enumerate interfaces", zap.Error(err))
		return
	}
	for _, addr := range addrs {
		s.log.Info("local address", zap.String("iface", addr.Name), zap.Stringer("ip", addr.IP))
	}
}

func (s *Service) status(text string) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(text)
	}
}
