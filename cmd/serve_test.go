package cmd

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
)

func TestApplyReloadPushesStreamSettings(t *testing.T) {
	t.Setenv("DESKPILOT_PLATFORM", "")
	prev := config.Default()
	neg := stream.NewNegotiator(prev.Stream,
		stream.WithEnv(func() capture.Env { return capture.Env{GOOS: "linux", Display: ":0"} }),
		stream.WithEncoderProbe(func(context.Context, string) (string, map[stream.Codec]string, error) {
			return "", nil, nil
		}),
	)
	ctx := context.Background()
	if n := len(neg.Offer(ctx, stream.Constraints{}).Candidates); n != 1 {
		t.Fatalf("candidates before reload = %d, want 1", n)
	}

	next := config.Default()
	next.Stream.DisableCapture = true
	change := config.Diff(prev, next)
	if !change.Stream || change.Policy || change.PairingClosed || change.FixedPIN || change.DefaultRights {
		t.Fatalf("change = %+v, want only stream", change)
	}
	applyReload(next, change, nil, nil, neg)

	if !neg.Config().DisableCapture {
		t.Error("negotiator kept the old stream settings")
	}
	if n := len(neg.Offer(ctx, stream.Constraints{}).Candidates); n != 0 {
		t.Errorf("candidates after disabling capture = %d, want 0", n)
	}
}
