package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/hashicorp/mdns"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

// TXTRecords renders adv into the service's TXT entries.
func TXTRecords(adv Advert) []string {
	pin := "0"
	if adv.HasPIN {
		pin = "1"
	}
	return []string{
		"id=" + adv.InstanceID,
		"port=" + strconv.Itoa(adv.Port),
		"pin=" + pin,
		"scheme=" + adv.Scheme,
		"v=" + strconv.Itoa(MessageVersion),
	}
}

// RunMDNS publishes the service record built from advert until ctx is done.
// Each signal on refresh rebuilds the record and re-registers it when the
// TXT entries, name or port changed. Binding the multicast socket is retried
// with backoff; a final failure is logged and the record stays unpublished
// until the next refresh.
func RunMDNS(ctx context.Context, cfg config.DiscoveryConfig, advert func() Advert, refresh <-chan struct{}) error {
	service := cfg.ServiceType
	if service == "" {
		service = "_deskpilot._tcp"
	}
	adv := advert()
	server := publishMDNS(ctx, service, adv)
	for {
		select {
		case <-ctx.Done():
			if server == nil {
				return nil
			}
			if err := server.Shutdown(); err != nil {
				return fmt.Errorf("mdns shutdown: %w", err)
			}
			return nil
		case <-refresh:
			next := advert()
			if server != nil && !recordChanged(adv, next) {
				continue
			}
			if server != nil {
				if err := server.Shutdown(); err != nil {
					slog.Warn("discovery: mdns shutdown before republish", "error", err)
				}
			}
			adv = next
			server = publishMDNS(ctx, service, adv)
		}
	}
}

// recordChanged reports whether next renders a different mDNS record.
func recordChanged(prev, next Advert) bool {
	return prev.Name != next.Name || prev.Port != next.Port ||
		!slices.Equal(TXTRecords(prev), TXTRecords(next))
}

func publishMDNS(ctx context.Context, service string, adv Advert) *mdns.Server {
	host, _ := os.Hostname()
	if host != "" {
		host += "."
	}
	svc, err := mdns.NewMDNSService(adv.Name, service, "", host, adv.Port, LocalIPv4s(), TXTRecords(adv))
	if err != nil {
		slog.Warn("discovery: mdns service", "error", err)
		return nil
	}
	server, attempts, err := retry(ctx, DefaultRetryConfig(), func() (*mdns.Server, error) {
		return mdns.NewServer(&mdns.Config{Zone: svc})
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("discovery: mdns server not started", "attempts", attempts, "error", err)
		}
		return nil
	}
	slog.Info("discovery: mdns published", "service", service, "instance", adv.Name,
		"port", adv.Port, "pin", adv.HasPIN, "attempts", attempts)
	return server
}
