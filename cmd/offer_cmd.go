package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
)

// offerCmd runs the negotiator in-process, so it works without a running host.
func offerCmd() *cobra.Command {
	var (
		c          stream.Constraints
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Show which stream codecs this machine can serve and why",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			neg := stream.NewNegotiator(cfg.Stream)
			caps := neg.Capabilities(ctx)
			offer := neg.Offer(ctx, c)
			if jsonOutput {
				printJSON(map[string]any{"capabilities": caps, "offer": offer})
				return
			}

			encoder := caps.Encoder
			if encoder == "" {
				encoder = warnStyle.Render("not found")
			}
			fmt.Printf("Platform:  %s\n", caps.Platform)
			fmt.Printf("Display:   %v\n", caps.Display)
			fmt.Printf("Encoder:   %s\n", encoder)
			if caps.Platform.Wayland() {
				fmt.Printf("Bridge:    %v\n", caps.Bridge)
			}
			fmt.Println()

			rows := make([][]string, 0, len(stream.Codecs))
			for _, codec := range stream.Codecs {
				d := offer.Diag[codec]
				status, url := okStyle.Render("yes"), ""
				if !d.Available {
					status = warnStyle.Render(d.DisabledReason)
				}
				for _, cand := range offer.Candidates {
					if cand.Codec == codec {
						url = cand.URL
					}
				}
				rows = append(rows, []string{string(codec), status, url, truncateStr(d.Detail, 48)})
			}
			fmt.Println(renderTable([]string{"CODEC", "AVAILABLE", "URL", "DETAIL"}, rows))

			if caps.Platform == capture.PlatformWaylandNoCapture || caps.Encoder == "" {
				fmt.Println()
				reportCaptureSetup(caps)
			}
		},
	}
	cmd.Flags().BoolVar(&c.LowLatency, "low-latency", false, "request low-latency encoder settings")
	cmd.Flags().IntVar(&c.MaxWidth, "max-w", 0, "maximum frame width (0 = config default)")
	cmd.Flags().IntVar(&c.Monitor, "monitor", 0, "monitor index")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
