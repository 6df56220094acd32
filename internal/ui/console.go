package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"meshchat/internal/message"
)

var (
	chatPrinter = pterm.PrefixPrinter{
		Prefix:       pterm.Prefix{Text: " MSG ", Style: pterm.NewStyle(pterm.BgLightBlue, pterm.FgBlack)},
		MessageStyle: pterm.NewStyle(pterm.FgDefault),
	}
	sentPrinter = pterm.PrefixPrinter{
		Prefix:       pterm.Prefix{Text: " YOU ", Style: pterm.NewStyle(pterm.BgMagenta, pterm.FgBlack)},
		MessageStyle: pterm.NewStyle(pterm.FgDefault),
	}
	relayPrinter = pterm.PrefixPrinter{
		Prefix:       pterm.Prefix{Text: "RELAY", Style: pterm.NewStyle(pterm.BgGray, pterm.FgBlack)},
		MessageStyle: pterm.NewStyle(pterm.FgGray),
	}
)

// Console is the line-oriented front end: it reads commands from an input
// stream and prints node events as they arrive.
type Console struct {
	session *Session
	mesh    Mesh
	events  <-chan Event
	relays  bool
}

// NewConsole builds a console. showRelays prints a line for every message
// this node forwards.
func NewConsole(m Mesh, events <-chan Event, addrs []string, showRelays bool) *Console {
	return &Console{session: NewSession(m, addrs), mesh: m, events: events, relays: showRelays}
}

// Run prints a banner and serves in until /quit, end of input or ctx is
// done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	pterm.DefaultSection.Println("MeshChat")
	pterm.Info.Printfln("Your Device ID: %s", c.mesh.DeviceID())
	for _, a := range c.session.addrs {
		pterm.Info.Printfln("Your address: %s", a)
	}
	pterm.Info.Println("Type /help for commands")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.print(ev)
		case line := <-lines:
			if c.handle(line) {
				return nil
			}
		}
	}
}

func (c *Console) handle(line string) (quit bool) {
	res, err := c.session.Handle(line)
	if err != nil {
		pterm.Error.Println(err)
		return false
	}
	for _, l := range res.Lines {
		pterm.Info.Println(l)
	}
	if len(res.Peers) > 0 {
		data := pterm.TableData{{"Device", "Host", "Port"}}
		for _, p := range res.Peers {
			data = append(data, []string{p.DeviceID, p.Host, fmt.Sprint(p.Port)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			pterm.Error.Println(err)
		}
	}
	return res.Quit
}

func (c *Console) print(ev Event) {
	switch ev.Kind {
	case EventReceived:
		chatPrinter.Printfln("[%s] %s", message.ShortID(ev.Msg.From), ev.Msg.Text)
	case EventSent:
		sentPrinter.Printfln("→ %s: %s", message.ShortID(ev.Msg.To), ev.Msg.Text)
	case EventRelayed:
		if c.relays {
			relayPrinter.Printfln("%s → %s ttl %d", message.ShortID(ev.Msg.From), message.ShortID(ev.Msg.To), ev.Msg.TTL)
		}
	case EventPeerUp:
		pterm.Success.Printfln("Connected: %s", ev.Peer)
	case EventPeerDown:
		pterm.Warning.Printfln("Disconnected: %s...", message.ShortID(ev.DeviceID))
	case EventStatus:
		if strings.HasPrefix(ev.Text, "ERROR") || strings.HasPrefix(ev.Text, "Connect failed") {
			pterm.Error.Println(ev.Text)
			return
		}
		pterm.Info.Println(ev.Text)
	}
}
