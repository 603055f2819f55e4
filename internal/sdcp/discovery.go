package sdcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mzyy94/saturnlink/internal/netutil"
)

// Device is a printer that answered a discovery broadcast.
type Device struct {
	Address     string
	Name        string
	Model       string
	Identity    string
	MainboardID string
	Firmware    string
}

// DiscoveryOptions configures a Discoverer.
type DiscoveryOptions struct {
	LocalIP     string        // Used to derive the subnet broadcast; empty for route probe
	Port        int           // Device UDP port; 0 for DeviceUDPPort
	Rebroadcast time.Duration // 0 sends the trigger once
}

// Discoverer broadcasts the discovery trigger and collects replies. It keeps
// an address to identity cache that outlives individual runs.
type Discoverer struct {
	opts DiscoveryOptions

	mu         sync.RWMutex
	identities map[string]string
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(opts DiscoveryOptions) *Discoverer {
	if opts.Port == 0 {
		opts.Port = DeviceUDPPort
	}
	return &Discoverer{opts: opts, identities: make(map[string]string)}
}

// LookupIdentity returns the cached identity for address.
func (d *Discoverer) LookupIdentity(address string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.identities[address]
	return id, ok
}

// Run binds an ephemeral UDP port, broadcasts the trigger and calls onFound
// for every valid reply until ctx is cancelled. Replies are not de-duplicated.
func (d *Discoverer) Run(ctx context.Context, onFound func(Device)) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	defer conn.Close()

	targets := d.broadcastTargets()
	d.broadcast(conn, targets)

	stop := closeOnDone(ctx, conn)
	defer stop()

	var resend <-chan time.Time
	if d.opts.Rebroadcast > 0 {
		ticker := time.NewTicker(d.opts.Rebroadcast)
		defer ticker.Stop()
		resend = ticker.C
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-resend:
			slog.Debug("rebroadcasting discovery")
			d.broadcast(conn, targets)
		default:
		}

		if d.opts.Rebroadcast > 0 {
			conn.SetReadDeadline(time.Now().Add(d.opts.Rebroadcast))
		}
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("read discovery: %w", err)
		}

		dev, err := d.HandleReply(remote.IP, buf[:n])
		if err != nil {
			slog.Debug("ignoring discovery datagram", "from", remote, "bytes", n, "err", err)
			continue
		}
		slog.Info("found printer", "ip", dev.Address, "name", dev.Name, "model", dev.Model)
		if onFound != nil {
			onFound(dev)
		}
	}
}

// closeOnDone closes c when ctx is cancelled. The returned stop ends the
// watcher without closing c and waits for it to exit.
func closeOnDone(ctx context.Context, c io.Closer) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// HandleReply parses one discovery datagram and updates the identity cache.
func (d *Discoverer) HandleReply(from net.IP, data []byte) (Device, error) {
	var reply DiscoveryReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Device{}, err
	}
	attrs := reply.attributes()
	dev := Device{
		Address:     NormalizeIP(from),
		Name:        attrs.Name,
		Model:       attrs.MachineName,
		Identity:    reply.ID,
		MainboardID: attrs.MainboardID,
		Firmware:    attrs.FirmwareVersion,
	}
	if dev.Identity != "" {
		d.mu.Lock()
		d.identities[dev.Address] = dev.Identity
		d.mu.Unlock()
	}
	return dev, nil
}

func (d *Discoverer) broadcastTargets() []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: d.opts.Port}}
	localIP := d.opts.LocalIP
	if localIP == "" {
		localIP = netutil.GetLocalIP("")
	}
	if ip := net.ParseIP(localIP).To4(); ip != nil && !ip.IsUnspecified() {
		subnet := net.IPv4(ip[0], ip[1], ip[2], 255)
		targets = append(targets, &net.UDPAddr{IP: subnet, Port: d.opts.Port})
	}
	return targets
}

func (d *Discoverer) broadcast(conn *net.UDPConn, targets []*net.UDPAddr) {
	for _, addr := range targets {
		if _, err := conn.WriteToUDP([]byte(DiscoverTrigger), addr); err != nil {
			slog.Warn("discovery broadcast failed", "target", addr, "err", err)
			continue
		}
		slog.Debug("sent discovery", "target", addr, "trigger", DiscoverTrigger)
	}
}

// Invite tells the printer at address to connect to the broker on brokerPort.
func Invite(address string, brokerPort int) error {
	return inviteTo(&net.UDPAddr{IP: net.ParseIP(address), Port: DeviceUDPPort}, brokerPort)
}

func inviteTo(addr *net.UDPAddr, brokerPort int) error {
	if addr.IP == nil {
		return fmt.Errorf("invalid printer address")
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("dial printer: %w", err)
	}
	defer conn.Close()

	msg := InviteTrigger + " " + strconv.Itoa(brokerPort)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send invitation: %w", err)
	}
	slog.Info("invitation sent", "printer", addr, "brokerPort", brokerPort)
	return nil
}

// NormalizeIP renders ip as dotted IPv4 when it is an IPv4-mapped IPv6 address.
func NormalizeIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
