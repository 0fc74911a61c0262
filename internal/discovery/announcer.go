// Package discovery advertises the host on the local network so clients can
// find it without typing an address: a periodic UDP broadcast plus an
// optional mDNS service record.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

// MessageType identifies a discovery datagram.
type MessageType string

const (
	MessageAnnounce MessageType = "ANNOUNCE"
	MessageLeave    MessageType = "LEAVE"
	MessageDiscover MessageType = "DISCOVER"
)

const (
	// MessageVersion is bumped on incompatible payload changes.
	MessageVersion = 1
	// MaxMessageSize keeps datagrams under a typical MTU.
	MaxMessageSize = 1024
)

// Message is the JSON payload of every datagram.
type Message struct {
	Type       MessageType `json:"type"`
	Version    uint8       `json:"version"`
	Timestamp  int64       `json:"ts"`
	InstanceID string      `json:"instance_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	IP         string      `json:"ip,omitempty"`
	Port       int         `json:"port,omitempty"`
	Scheme     string      `json:"scheme,omitempty"`
	HasPIN     bool        `json:"has_pin"`
}

// Advert is what the host currently advertises.
type Advert struct {
	InstanceID string
	Name       string
	Port       int
	Scheme     string
	HasPIN     bool
}

// AdvertFunc reports the current advert. Called for every datagram so port
// or pairing changes show up on the next tick.
type AdvertFunc func() Advert

// Announcer broadcasts the host's advert and answers DISCOVER probes.
type Announcer struct {
	port     int
	interval time.Duration
	peers    []*net.UDPAddr
	advert   AdvertFunc

	mu        sync.Mutex
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	ready     chan struct{}
}

func NewAnnouncer(cfg config.DiscoveryConfig, advert AdvertFunc) *Announcer {
	a := &Announcer{
		port:     cfg.Port,
		interval: cfg.Interval.Std(),
		advert:   advert,
		ready:    make(chan struct{}),
	}
	if a.interval <= 0 {
		a.interval = 2 * time.Second
	}
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			slog.Warn("discovery: invalid peer", "peer", p, "error", err)
			continue
		}
		a.peers = append(a.peers, addr)
	}
	return a
}

// Ready closes once the socket is bound, or Run has given up binding.
func (a *Announcer) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound local address, nil before Ready.
func (a *Announcer) Addr() *net.UDPAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Run announces until ctx is done, then sends LEAVE. A bind failure is
// logged and Run returns nil: discovery is a convenience, not a dependency.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.port})
	if err != nil {
		slog.Warn("discovery: cannot bind UDP port, announcements disabled", "port", a.port, "error", err)
		close(a.ready)
		return nil
	}
	if err := conn.SetWriteBuffer(MaxMessageSize * 10); err != nil {
		slog.Debug("discovery: set write buffer", "error", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: a.port}
	a.mu.Unlock()
	close(a.ready)
	slog.Info("discovery: announcing", "port", a.port, "interval", a.interval, "peers", len(a.peers))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.listen(ctx, conn)
	}()

	a.announce(conn, MessageAnnounce)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			a.announce(conn, MessageAnnounce)
		}
	}

	a.announce(conn, MessageLeave)
	conn.Close()
	wg.Wait()
	slog.Info("discovery: stopped")
	return nil
}

func (a *Announcer) message(t MessageType) Message {
	adv := a.advert()
	return Message{
		Type:       t,
		Version:    MessageVersion,
		Timestamp:  time.Now().UnixMilli(),
		InstanceID: adv.InstanceID,
		Name:       adv.Name,
		IP:         PrimaryIPv4(),
		Port:       adv.Port,
		Scheme:     adv.Scheme,
		HasPIN:     adv.HasPIN,
	}
}

func (a *Announcer) announce(conn *net.UDPConn, t MessageType) {
	data, err := json.Marshal(a.message(t))
	if err != nil {
		slog.Error("discovery: marshal", "error", err)
		return
	}
	// Broadcast failures are routine on locked-down networks.
	if _, err := conn.WriteToUDP(data, a.broadcast); err != nil {
		slog.Debug("discovery: broadcast failed", "error", err)
	}
	for _, peer := range a.peers {
		if _, err := conn.WriteToUDP(data, peer); err != nil {
			slog.Debug("discovery: send to peer failed", "peer", peer.String(), "error", err)
		}
	}
}

func (a *Announcer) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, MaxMessageSize)
	self := a.advert().InstanceID
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("discovery: read", "error", err)
			continue
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.Type != MessageDiscover || msg.InstanceID == self {
			continue
		}
		data, err := json.Marshal(a.message(MessageAnnounce))
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(data, from); err != nil {
			slog.Debug("discovery: reply failed", "to", from.String(), "error", err)
		}
	}
}

// PrimaryIPv4 returns the first non-loopback IPv4 address of an interface
// that is up, or 127.0.0.1.
func PrimaryIPv4() string {
	ips := LocalIPv4s()
	if len(ips) == 0 {
		return "127.0.0.1"
	}
	return ips[0].String()
}

// LocalIPv4s lists non-loopback IPv4 addresses of interfaces that are up.
func LocalIPv4s() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				out = append(out, ip4)
			}
		}
	}
	return out
}

// String renders m for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s %s %s:%d", m.Type, m.InstanceID, m.IP, m.Port)
}
