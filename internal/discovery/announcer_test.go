package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func readMessage(t *testing.T, c *net.UDPConn, want MessageType) Message {
	t.Helper()
	buf := make([]byte, MaxMessageSize)
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.SetReadDeadline(deadline)
		n, _, err := c.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var m Message
		if err := json.Unmarshal(buf[:n], &m); err != nil {
			t.Fatalf("bad datagram %q: %v", buf[:n], err)
		}
		if m.Type == want {
			return m
		}
	}
}

func TestAnnouncerLifecycle(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	port := freeUDPPort(t)
	a := NewAnnouncer(config.DiscoveryConfig{
		Port:     port,
		Interval: config.Duration(50 * time.Millisecond),
		Peers:    []string{peer.LocalAddr().String()},
	}, func() Advert {
		return Advert{InstanceID: "host-1", Name: "desk", Port: 8766, Scheme: "http", HasPIN: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	m := readMessage(t, peer, MessageAnnounce)
	if m.InstanceID != "host-1" || m.Port != 8766 || !m.HasPIN || m.Version != MessageVersion || m.IP == "" {
		t.Errorf("announce = %+v", m)
	}

	// A DISCOVER probe gets a unicast reply.
	probe, _ := json.Marshal(Message{Type: MessageDiscover, Version: MessageVersion, InstanceID: "phone"})
	if _, err := peer.WriteToUDP(probe, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}); err != nil {
		t.Fatal(err)
	}
	readMessage(t, peer, MessageAnnounce)

	cancel()
	readMessage(t, peer, MessageLeave)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAnnouncerBindFailureIsNotFatal(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	a := NewAnnouncer(config.DiscoveryConfig{Port: busy.LocalAddr().(*net.UDPAddr).Port}, func() Advert { return Advert{} })
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("bind failure returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept going without a socket")
	}
	if a.Addr() != nil {
		t.Error("Addr should be nil without a socket")
	}
}

func TestTXTRecords(t *testing.T) {
	txt := strings.Join(TXTRecords(Advert{InstanceID: "abc", Port: 8765, Scheme: "https", HasPIN: true}), " ")
	for _, want := range []string{"id=abc", "port=8765", "pin=1", "scheme=https"} {
		if !strings.Contains(txt, want) {
			t.Errorf("txt %q missing %q", txt, want)
		}
	}
}

func TestRecordChangedOnPairingToggle(t *testing.T) {
	open := Advert{InstanceID: "abc", Name: "office", Port: 8765, Scheme: "http", HasPIN: true}
	if recordChanged(open, open) {
		t.Error("identical adverts reported as changed")
	}
	closed := open
	closed.HasPIN = false
	if !recordChanged(open, closed) {
		t.Error("pin flag change not detected")
	}
	moved := open
	moved.Port = 8766
	if !recordChanged(open, moved) {
		t.Error("port change not detected")
	}
}
