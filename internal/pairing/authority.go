// Package pairing owns the host's short numeric PIN and exchanges it for
// device tokens.
//
// Exactly one PIN is valid at a time. A successful handshake does not consume
// it; regenerating replaces it without touching tokens already issued.
// Attempts are rate limited per client and globally so the 10^4 PIN space
// cannot be walked.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/internal/tracing"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

const (
	// PINLength is the number of digits in a pairing PIN.
	PINLength = 4
	// TokenBytes is the entropy of an issued device token.
	TokenBytes = 32
	// globalFactor scales the per-client budget into the host-wide budget.
	globalFactor = 10
)

// Registrar creates the session backing a freshly issued token.
type Registrar interface {
	Create(token, name, remoteAddr string, rights sessions.Rights) (sessions.Session, error)
}

// Issued is the result of a successful handshake.
type Issued struct {
	Token   string
	Session sessions.Session
}

// Options configures an Authority.
type Options struct {
	FixedPIN      string // externally pinned PIN, empty for random
	Disabled      bool
	DefaultRights sessions.Rights
	MaxAttempts   int
	Window        time.Duration
	Bus           *bus.Bus
}

// Authority holds the current PIN.
type Authority struct {
	mu       sync.Mutex
	pin      string
	pinned   bool
	disabled bool
	rights   sessions.Rights

	reg     Registrar
	clients *Limiter
	global  *Limiter
	bus     *bus.Bus
}

// NewAuthority creates an authority. With no fixed PIN a random one is drawn.
func NewAuthority(reg Registrar, opts Options) (*Authority, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	a := &Authority{
		disabled: opts.Disabled,
		rights:   opts.DefaultRights,
		reg:      reg,
		clients:  NewLimiter(opts.MaxAttempts, opts.Window),
		global:   NewLimiter(opts.MaxAttempts*globalFactor, opts.Window),
		bus:      opts.Bus,
	}
	if opts.FixedPIN != "" {
		if !config.ValidPIN(opts.FixedPIN) {
			return nil, fmt.Errorf("fixed pin must be %d digits", PINLength)
		}
		a.pin = opts.FixedPIN
		a.pinned = true
		slog.Info("pairing pin pinned by configuration")
	} else {
		pin, err := generatePIN()
		if err != nil {
			return nil, err
		}
		a.pin = pin
	}
	return a, nil
}

// IssueToken validates pin and, on success, registers a pending session and
// returns its token. clientKey identifies the caller for rate limiting.
func (a *Authority) IssueToken(ctx context.Context, pin, clientKey, name string) (Issued, error) {
	_, span := tracing.Start(ctx, "pairing.issue_token", tracing.String("client", clientKey))
	defer span.End()

	if ok, wait := a.clients.Reserve(clientKey); !ok {
		tracing.Fail(span, protocol.ErrRateLimited)
		return Issued{}, protocol.RateLimited(wait)
	}
	if ok, wait := a.global.Reserve("*"); !ok {
		tracing.Fail(span, protocol.ErrRateLimited)
		return Issued{}, protocol.RateLimited(wait)
	}

	a.mu.Lock()
	current, disabled, rights := a.pin, a.disabled, a.rights
	a.mu.Unlock()

	if disabled {
		return Issued{}, protocol.Errorf(protocol.CodeAuth, "pairing is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(pin), []byte(current)) != 1 {
		slog.Warn("security.pairing_failed", "client", clientKey)
		err := protocol.Errorf(protocol.CodeAuth, "invalid pin")
		tracing.Fail(span, err)
		return Issued{}, err
	}

	token, err := generateToken()
	if err != nil {
		return Issued{}, protocol.Wrap(protocol.CodeInternal, err, "token generation failed")
	}
	s, err := a.reg.Create(token, name, clientKey, rights)
	if err != nil {
		tracing.Fail(span, err)
		return Issued{}, fmt.Errorf("register session: %w", err)
	}

	slog.Info("pairing succeeded", "session", s.ID, "client", clientKey, "name", name)
	return Issued{Token: token, Session: s}, nil
}

// Regenerate replaces the PIN with a new random one. A pinned PIN is
// superseded until the next restart or config reload.
func (a *Authority) Regenerate() (string, error) {
	pin, err := generatePIN()
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	for pin == a.pin {
		if pin, err = generatePIN(); err != nil {
			a.mu.Unlock()
			return "", err
		}
	}
	wasPinned := a.pinned
	a.pin = pin
	a.pinned = false
	a.mu.Unlock()

	slog.Info("pairing pin regenerated", "was_pinned", wasPinned)
	a.bus.Broadcast(bus.Event{Name: bus.EventPINRegenerated})
	return pin, nil
}

// Pin installs an externally chosen PIN. An empty pin unpins and draws a
// random one.
func (a *Authority) Pin(pin string) error {
	if pin == "" {
		_, err := a.Regenerate()
		return err
	}
	if !config.ValidPIN(pin) {
		return protocol.Errorf(protocol.CodeInvalidRequest, "pin must be %d digits", PINLength)
	}
	a.mu.Lock()
	changed := a.pin != pin
	a.pin = pin
	a.pinned = true
	a.mu.Unlock()
	if changed {
		slog.Info("pairing pin pinned")
		a.bus.Broadcast(bus.Event{Name: bus.EventPINRegenerated})
	}
	return nil
}

// SetDefaultRights changes the rights granted to newly paired devices.
func (a *Authority) SetDefaultRights(r sessions.Rights) {
	a.mu.Lock()
	a.rights = r
	a.mu.Unlock()
}

// SetDisabled opens or closes pairing.
func (a *Authority) SetDisabled(disabled bool) {
	a.mu.Lock()
	changed := a.disabled != disabled
	a.disabled = disabled
	a.mu.Unlock()
	if changed {
		slog.Info("pairing toggled", "open", !disabled)
		a.bus.Broadcast(bus.Event{Name: bus.EventPairingToggled, Payload: map[string]bool{"open": !disabled}})
	}
}

// PIN returns the current PIN. Only local callers may see it.
func (a *Authority) PIN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pin
}

// Pinned reports whether the PIN came from configuration or the keyring.
func (a *Authority) Pinned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pinned
}

// Open reports whether new handshakes are accepted.
func (a *Authority) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disabled
}

// Close releases the limiter goroutines.
func (a *Authority) Close() {
	a.clients.Close()
	a.global.Close()
}

func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PINLength, n.Int64()), nil
}

func generateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
