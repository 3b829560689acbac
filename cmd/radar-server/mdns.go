package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is the Bonjour/mDNS service type this server advertises
// itself under; discovery clients that cannot browse multicast fall back
// to GET /api/discover.
const mdnsServiceType = "_sickradar._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function.
// Safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-radar", host)
	}
	meta := []string{
		"version=" + version,
		"ip=" + localIP(),
		"name=" + instance,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// localIP returns this host's first non-loopback IPv4 address, or "" if
// none can be found. Best-effort: failure here only degrades the
// advertised "ip=" metadata record, never the mDNS registration itself.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
