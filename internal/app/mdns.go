package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsAgentService  = "_locshare._tcp"
	mdnsBrokerService = "_locshare-mqtt._tcp"
	mdnsDomain        = "local."
)

// startMDNS advertises the diagnostics API and, when it runs, the embedded
// broker.
func (a *App) startMDNS(httpPort, brokerPort int) error {
	if httpPort <= 0 {
		return fmt.Errorf("invalid port %d", httpPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "locshare"
	}
	hostLabel := sanitizeMDNSHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Locator %s (%s)", a.cfg.DeviceID, hostname))
	txt := []string{
		"device=" + a.cfg.DeviceID,
		"transport=" + a.cfg.Transport.Kind,
		fmt.Sprintf("http_port=%d", httpPort),
		"proto=v1",
		"host=" + hostFQDN,
	}
	server, err := zeroconf.Register(instance, mdnsAgentService, mdnsDomain, httpPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", mdnsAgentService, err)
	}
	a.mdns = append(a.mdns, server)
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsAgentService, "port", httpPort)

	if brokerPort > 0 {
		brokerInstance := sanitizeMDNSInstance(fmt.Sprintf("Locator broker (%s)", hostname))
		brokerTXT := []string{
			fmt.Sprintf("mqtt_port=%d", brokerPort),
			"tls=0",
			"host=" + hostFQDN,
		}
		bs, err := zeroconf.Register(brokerInstance, mdnsBrokerService, mdnsDomain, brokerPort, brokerTXT, nil)
		if err != nil {
			return fmt.Errorf("register %s: %w", mdnsBrokerService, err)
		}
		a.mdns = append(a.mdns, bs)
		a.logger.Info("mDNS advertisement started", "instance", brokerInstance, "service", mdnsBrokerService, "port", brokerPort)
	}
	return nil
}

func (a *App) stopMDNS() {
	if len(a.mdns) == 0 {
		return
	}
	for _, s := range a.mdns {
		s.Shutdown()
	}
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

var errNoBrokerFound = errors.New("no broker advertised on the local network")

// discoverBroker browses for an advertised broker and returns its URL.
func discoverBroker(ctx context.Context, wait time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsBrokerService, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", mdnsBrokerService, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", errNoBrokerFound
		case entry, ok := <-entries:
			if !ok {
				return "", errNoBrokerFound
			}
			if url := brokerURL(entry); url != "" {
				return url, nil
			}
		}
	}
}

func brokerURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port <= 0 {
		return ""
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return ""
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(entry.Port))
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Locator"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "locshare"
	}
	// Host labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
