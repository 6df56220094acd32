package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"meshchat/internal/config"
	"meshchat/internal/discovery"
	"meshchat/internal/identity"
	"meshchat/internal/logging"
	"meshchat/internal/mesh"
	"meshchat/internal/registry"
	"meshchat/internal/telemetry"
	"meshchat/internal/ui"
)

// stringList is a flag that may be given more than once.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshchat:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv(config.Default())
	if err != nil {
		return err
	}

	var (
		peerAddrs   stringList
		noDiscovery bool
		useTUI      bool
		chime       bool
		showRelays  bool
		etcd        string
	)
	flag.IntVar(&cfg.MeshPort, "port", cfg.MeshPort, "TCP mesh port (0 = auto-assign)")
	flag.IntVar(&cfg.DiscoveryPort, "discovery-port", cfg.DiscoveryPort, "UDP discovery port")
	flag.Var(&peerAddrs, "peer", "peer host[:port] to connect to (can be specified multiple times)")
	flag.BoolVar(&noDiscovery, "no-discovery", !cfg.Discovery, "disable LAN broadcast discovery")
	flag.BoolVar(&useTUI, "tui", false, "use the terminal UI")
	flag.BoolVar(&chime, "chime", false, "play a tone when a message arrives")
	flag.BoolVar(&showRelays, "relays", false, "print a line for every relayed message (console mode)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve Prometheus /metrics on this address")
	flag.StringVar(&etcd, "etcd", strings.Join(cfg.EtcdEndpoints, ","), "comma-separated etcd endpoints for rendezvous")
	flag.StringVar(&cfg.IdentityFile, "id-file", cfg.IdentityFile, "device identity file")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file used in TUI mode")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	flag.Parse()

	cfg.Discovery = !noDiscovery
	cfg.EtcdEndpoints = config.SplitList(etcd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logFile := ""
	if useTUI {
		logFile = cfg.LogFile
	}
	log, err := logging.New(cfg.Debug, logFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	deviceID, err := identity.Load(cfg.IdentityFile, log)
	if err != nil {
		return err
	}
	log.Info("device identity", zap.String("id", deviceID))

	ifaces, err := discovery.LocalAddresses()
	if err != nil {
		log.Warn("could not list local addresses", zap.Error(err))
	}
	addrs := make([]string, 0, len(ifaces))
	for _, a := range ifaces {
		addrs = append(addrs, a.String())
	}

	node := mesh.NewNode(deviceID, cfg, log.Named("mesh"))
	bridge := ui.NewBridge(ui.DefaultEventBuffer, log.Named("ui"))
	listeners := mesh.Listeners{bridge}
	if chime {
		listeners = append(listeners, ui.NewChime(log.Named("chime")))
	}
	node.SetListener(listeners)

	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := startRegistry(ctx, cfg, node, ifaces, log.Named("registry"))
		if err != nil {
			log.Error("etcd rendezvous disabled", zap.Error(err))
		} else {
			defer reg.Close()
		}
	}

	for _, addr := range peerAddrs {
		node.ConnectManually(addr)
	}

	if useTUI {
		p := tea.NewProgram(ui.NewTUI(node, bridge.Events(), addrs), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("terminal ui: %w", err)
		}
		return nil
	}
	return ui.NewConsole(node, bridge.Events(), addrs, showRelays).Run(ctx, os.Stdin)
}

// startRegistry publishes this node in etcd and dials every node registered
// there.
func startRegistry(ctx context.Context, cfg config.Config, node *mesh.Node, ifaces []discovery.InterfaceAddr, log *zap.Logger) (*registry.Registry, error) {
	if node.Addr() == nil {
		return nil, errors.New("mesh listener is not running")
	}
	if len(ifaces) == 0 {
		return nil, errors.New("no local address to publish")
	}

	reg, err := registry.New(cfg.EtcdEndpoints, node.DeviceID(), log)
	if err != nil {
		return nil, err
	}
	port := node.Addr().(*net.TCPAddr).Port
	addr := net.JoinHostPort(ifaces[0].IP.String(), strconv.Itoa(port))
	if err := reg.Register(ctx, addr, registry.DefaultTTL); err != nil {
		reg.Close()
		return nil, err
	}

	go func() {
		if err := reg.Watch(ctx, node.HandleDiscovered); err != nil && ctx.Err() == nil {
			log.Warn("registry watch ended", zap.Error(err))
		}
	}()
	return reg, nil
}
