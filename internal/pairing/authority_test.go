package pairing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func newAuthority(t *testing.T, opts Options) (*Authority, *sessions.Registry) {
	t.Helper()
	reg, err := sessions.NewRegistry(sessions.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if opts.DefaultRights == 0 {
		opts.DefaultRights = sessions.RightInput | sessions.RightStreamView
	}
	a, err := NewAuthority(reg, opts)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	t.Cleanup(a.Close)
	return a, reg
}

func TestFixedPINHandshake(t *testing.T) {
	a, reg := newAuthority(t, Options{FixedPIN: "3071"})
	ctx := context.Background()

	issued, err := a.IssueToken(ctx, "3071", "10.0.0.2", "Pixel")
	if err != nil {
		t.Fatalf("IssueToken(3071): %v", err)
	}
	if len(issued.Token) != TokenBytes*2 {
		t.Errorf("token length = %d", len(issued.Token))
	}
	s, err := reg.Get(issued.Token)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if s.State != sessions.StatePending || s.Rights != sessions.RightInput|sessions.RightStreamView {
		t.Errorf("session = %+v", s)
	}

	if _, err := a.IssueToken(ctx, "0000", "10.0.0.3", ""); !errors.Is(err, protocol.ErrAuth) {
		t.Errorf("IssueToken(0000) err = %v, want AUTH_ERROR", err)
	}
}

func TestPINNotConsumed(t *testing.T) {
	a, _ := newAuthority(t, Options{FixedPIN: "1111"})
	first, err := a.IssueToken(context.Background(), "1111", "a", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.IssueToken(context.Background(), "1111", "b", "")
	if err != nil {
		t.Fatalf("second handshake with same pin: %v", err)
	}
	if first.Token == second.Token {
		t.Error("tokens must be unique")
	}
}

func TestRegenerateInvalidatesOldPINButNotTokens(t *testing.T) {
	a, reg := newAuthority(t, Options{})
	old := a.PIN()
	issued, err := a.IssueToken(context.Background(), old, "a", "")
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := a.Regenerate()
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("regenerated pin equals old pin")
	}
	if _, err := a.IssueToken(context.Background(), old, "b", ""); !errors.Is(err, protocol.ErrAuth) {
		t.Errorf("old pin err = %v, want AUTH_ERROR", err)
	}
	if _, err := reg.Get(issued.Token); err != nil {
		t.Errorf("previously issued token invalidated: %v", err)
	}
	if _, err := a.IssueToken(context.Background(), fresh, "c", ""); err != nil {
		t.Errorf("new pin rejected: %v", err)
	}
}

func TestRegenerateUnpins(t *testing.T) {
	a, _ := newAuthority(t, Options{FixedPIN: "3071"})
	if !a.Pinned() {
		t.Fatal("fixed pin should be pinned")
	}
	if _, err := a.Regenerate(); err != nil {
		t.Fatal(err)
	}
	if a.Pinned() {
		t.Error("regenerate should supersede the pinned pin")
	}
}

func TestRateLimitedPerClient(t *testing.T) {
	a, _ := newAuthority(t, Options{FixedPIN: "3071", MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.IssueToken(ctx, "9999", "attacker", ""); !errors.Is(err, protocol.ErrAuth) {
			t.Fatalf("attempt %d err = %v, want AUTH_ERROR", i, err)
		}
	}
	_, err := a.IssueToken(ctx, "3071", "attacker", "")
	if !errors.Is(err, protocol.ErrRateLimited) {
		t.Fatalf("4th attempt err = %v, want RATE_LIMITED", err)
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.RetryAfter <= 0 {
		t.Errorf("rate limit error should carry retry-after: %+v", pe)
	}

	// other clients are unaffected
	if _, err := a.IssueToken(ctx, "3071", "phone", ""); err != nil {
		t.Errorf("other client blocked: %v", err)
	}
}

func TestRateLimitedGlobally(t *testing.T) {
	a, _ := newAuthority(t, Options{FixedPIN: "3071", MaxAttempts: 1, Window: time.Hour})
	ctx := context.Background()
	var limited bool
	for i := 0; i < globalFactor+1; i++ {
		_, err := a.IssueToken(ctx, "0000", fmt.Sprintf("10.0.0.%d", i), "")
		if errors.Is(err, protocol.ErrRateLimited) {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("distributed guessing should hit the global limit")
	}
}

func TestDisabledPairing(t *testing.T) {
	a, _ := newAuthority(t, Options{FixedPIN: "3071", Disabled: true})
	if a.Open() {
		t.Error("Open() should be false")
	}
	if _, err := a.IssueToken(context.Background(), "3071", "x", ""); !errors.Is(err, protocol.ErrAuth) {
		t.Errorf("err = %v, want AUTH_ERROR", err)
	}
}

func TestSetDisabledAnnouncesChanges(t *testing.T) {
	b := bus.New()
	var got []bool
	b.Subscribe("test", func(e bus.Event) {
		if e.Name == bus.EventPairingToggled {
			got = append(got, e.Payload.(map[string]bool)["open"])
		}
	})
	a, _ := newAuthority(t, Options{FixedPIN: "3071", Bus: b})

	a.SetDisabled(true)
	a.SetDisabled(true)
	a.SetDisabled(false)
	if fmt.Sprint(got) != "[false true]" {
		t.Errorf("toggles = %v, want [false true]", got)
	}
	if !a.Open() {
		t.Error("pairing should be open again")
	}
}

func TestPinValidation(t *testing.T) {
	a, _ := newAuthority(t, Options{})
	if err := a.Pin("12"); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("Pin(12) err = %v", err)
	}
	if err := a.Pin("4242"); err != nil {
		t.Fatal(err)
	}
	if a.PIN() != "4242" || !a.Pinned() {
		t.Errorf("pin = %s pinned = %v", a.PIN(), a.Pinned())
	}
	if _, err := NewAuthority(nil, Options{FixedPIN: "abcd"}); err == nil {
		t.Error("invalid fixed pin accepted")
	}
}

func TestGeneratePINFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		pin, err := generatePIN()
		if err != nil {
			t.Fatal(err)
		}
		if len(pin) != PINLength {
			t.Fatalf("pin %q has wrong length", pin)
		}
		for _, c := range pin {
			if c < '0' || c > '9' {
				t.Fatalf("pin %q has non-digit", pin)
			}
		}
	}
}

func TestRotatorNext(t *testing.T) {
	if _, err := NewRotator("not a cron", nil); err == nil {
		t.Error("expected invalid expression error")
	}
	r, err := NewRotator("0 * * * *", nil)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	next, err := r.Next(base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter(2, 2*time.Second)
	defer l.Close()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Reserve("k"); !ok {
			t.Fatalf("attempt %d denied", i)
		}
	}
	ok, wait := l.Reserve("k")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("Reserve after burst = %v, %v", ok, wait)
	}
	now = now.Add(time.Second)
	if ok, _ := l.Reserve("k"); !ok {
		t.Error("bucket should refill one attempt per second")
	}
}
