package ui

import (
	"errors"
	"fmt"
	"strings"

	"meshchat/internal/message"
	"meshchat/internal/peer"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrNoSuchPeer     = errors.New("no such peer")
	ErrAmbiguousPeer  = errors.New("ambiguous peer")
	ErrNoRecipient    = errors.New("no recipient selected")
)

type CommandKind int

const (
	CmdSay CommandKind = iota
	CmdConnect
	CmdTo
	CmdMsg
	CmdPeers
	CmdID
	CmdHelp
	CmdQuit
)

// Command is one parsed input line. Plain text parses as CmdSay.
type Command struct {
	Kind CommandKind
	Arg  string
	Text string
}

const HelpText = `Available Commands:
  /connect <host[:port]> - Connect to a peer directly
  /to <peer>             - Select the recipient for plain text
  /msg <peer> <text>     - Send one message to a peer
  /peers                 - List connected peers
  /id                    - Show this device's id and addresses
  /help                  - Show this help
  /quit                  - Exit application
Peers can be named by any unique prefix of their device id.`

func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CmdSay, Text: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/connect":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return Command{}, fmt.Errorf("%w: /connect <host[:port]>", ErrUsage)
		}
		return Command{Kind: CmdConnect, Arg: rest}, nil
	case "/to":
		if rest == "" {
			return Command{}, fmt.Errorf("%w: /to <peer>", ErrUsage)
		}
		return Command{Kind: CmdTo, Arg: rest}, nil
	case "/msg":
		target, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			return Command{}, fmt.Errorf("%w: /msg <peer> <text>", ErrUsage)
		}
		return Command{Kind: CmdMsg, Arg: target, Text: text}, nil
	case "/peers":
		return Command{Kind: CmdPeers}, nil
	case "/id":
		return Command{Kind: CmdID}, nil
	case "/help":
		return Command{Kind: CmdHelp}, nil
	case "/quit", "/exit":
		return Command{Kind: CmdQuit}, nil
	}
	return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// ResolvePeer finds the peer whose device id equals ref or, failing that,
// the only one starting with it.
func ResolvePeer(peers []peer.Peer, ref string) (peer.Peer, error) {
	var match []peer.Peer
	for _, p := range peers {
		if p.DeviceID == ref {
			return p, nil
		}
		if strings.HasPrefix(p.DeviceID, ref) {
			match = append(match, p)
		}
	}
	switch len(match) {
	case 0:
		return peer.Peer{}, fmt.Errorf("%w: %s", ErrNoSuchPeer, ref)
	case 1:
		return match[0], nil
	}
	return peer.Peer{}, fmt.Errorf("%w: %s matches %d peers", ErrAmbiguousPeer, ref, len(match))
}

// Mesh is the part of a node the front ends drive.
type Mesh interface {
	DeviceID() string
	Peers() []peer.Peer
	SendMessage(deviceID, text string) message.Message
	ConnectManually(host string)
}

// Result is what a front end shows after one input line.
type Result struct {
	Lines []string
	Peers []peer.Peer
	Quit  bool
}

// Session carries the state shared by an input line and the next: the
// selected recipient. It is used from one goroutine.
type Session struct {
	mesh   Mesh
	addrs  []string
	target string
}

// NewSession binds a session to m. addrs are this device's local addresses
// shown by /id.
func NewSession(m Mesh, addrs []string) *Session {
	return &Session{mesh: m, addrs: addrs}
}

// Target is the selected recipient's device id, or "".
func (s *Session) Target() string {
	return s.target
}

func (s *Session) Handle(line string) (Result, error) {
	if strings.TrimSpace(line) == "" {
		return Result{}, nil
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		return Result{}, err
	}

	switch cmd.Kind {
	case CmdSay:
		to, err := s.recipient()
		if err != nil {
			return Result{}, err
		}
		s.mesh.SendMessage(to, cmd.Text)
		return Result{}, nil

	case CmdMsg:
		p, err := ResolvePeer(s.mesh.Peers(), cmd.Arg)
		if err != nil {
			return Result{}, err
		}
		s.mesh.SendMessage(p.DeviceID, cmd.Text)
		return Result{}, nil

	case CmdTo:
		p, err := ResolvePeer(s.mesh.Peers(), cmd.Arg)
		if err != nil {
			return Result{}, err
		}
		s.target = p.DeviceID
		return Result{Lines: []string{"Now talking to " + p.String()}}, nil

	case CmdConnect:
		s.mesh.ConnectManually(cmd.Arg)
		return Result{Lines: []string{"Connecting to " + cmd.Arg + "..."}}, nil

	case CmdPeers:
		peers := s.mesh.Peers()
		if len(peers) == 0 {
			return Result{Lines: []string{"No peers connected"}}, nil
		}
		return Result{Peers: peers}, nil

	case CmdID:
		lines := []string{"Device ID: " + s.mesh.DeviceID()}
		for _, a := range s.addrs {
			lines = append(lines, "Address: "+a)
		}
		return Result{Lines: lines}, nil

	case CmdHelp:
		return Result{Lines: strings.Split(HelpText, "\n")}, nil

	case CmdQuit:
		return Result{Quit: true}, nil
	}
	return Result{}, nil
}

// recipient is the selected peer, or the only peer when none is selected.
// A selected peer that has since disconnected is still addressed; the mesh
// may reach it through another node.
func (s *Session) recipient() (string, error) {
	if s.target != "" {
		return s.target, nil
	}
	peers := s.mesh.Peers()
	if len(peers) == 1 {
		return peers[0].DeviceID, nil
	}
	return "", fmt.Errorf("%w: use /to <peer> or /msg <peer> <text>", ErrNoRecipient)
}
