// Package netutil selects local addresses and opens listeners for the
// servers the printer connects back to.
package netutil

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// ListenTCP listens on ip:preferredPort, falling back to an OS-assigned port
// when the preferred one cannot be bound. Both outcomes are logged.
func ListenTCP(name, ip string, preferredPort int) (net.Listener, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(preferredPort))
	ln, err := net.Listen("tcp4", addr)
	if err == nil {
		slog.Info("listening", "server", name, "addr", ln.Addr())
		return ln, nil
	}
	slog.Warn("preferred port busy, using a random port", "server", name, "port", preferredPort, "err", err)

	ln, err = net.Listen("tcp4", net.JoinHostPort(ip, "0"))
	if err != nil {
		return nil, fmt.Errorf("%s listen: %w", name, err)
	}
	slog.Info("listening", "server", name, "addr", ln.Addr())
	return ln, nil
}

// Port returns the TCP port a listener is bound to.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// LocalIPFor picks the local IPv4 address to bind and report to the printer at
// target. An interface address in the same /24 as the target wins; otherwise
// the routing table decides via GetLocalIP. The /24 match assumes a home-sized
// subnet and is not a general interface-selection algorithm.
func LocalIPFor(target string) string {
	if ip := sameSubnet(target, interfaceIPs()); ip != "" {
		return ip
	}
	return GetLocalIP(target)
}

func interfaceIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Debug("list interface addresses", "err", err)
		return nil
	}
	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}

func sameSubnet(target string, candidates []net.IP) string {
	t := net.ParseIP(target).To4()
	if t == nil {
		return ""
	}
	for _, ip := range candidates {
		v4 := ip.To4()
		if v4 == nil || v4.IsLoopback() {
			continue
		}
		if v4[0] == t[0] && v4[1] == t[1] && v4[2] == t[2] {
			return v4.String()
		}
	}
	return ""
}

// GetLocalIP returns the local IP used to reach the given target.
// It dials a UDP socket to the target to let the OS routing table
// pick the correct outbound interface. If targetIP is empty,
// the link-local all-hosts multicast address (224.0.0.1) is used
// to determine the default LAN interface without any external dependency.
func GetLocalIP(targetIP string) string {
	if targetIP == "" {
		targetIP = "224.0.0.1"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(targetIP, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String()
}
