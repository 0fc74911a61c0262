package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/pairing"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func pinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Show or change the pairing PIN",
	}
	cmd.AddCommand(pinShowCmd())
	cmd.AddCommand(pinRegenerateCmd())
	cmd.AddCommand(pinSetCmd())
	cmd.AddCommand(pinClearCmd())
	cmd.AddCommand(pinQRCmd())
	return cmd
}

func pinShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current PIN and connection details",
		Run: func(cmd *cobra.Command, args []string) {
			var info protocol.LocalInfo
			mustLocal(newLocalClient().get("/api/local/info", &info))
			if jsonOutput {
				printJSON(info)
				return
			}
			pinned := dimStyle.Render("random")
			if info.Pinned {
				pinned = okStyle.Render("pinned")
			}
			fmt.Printf("PIN:       %s (%s)\n", headerStyle.Render(info.PIN), pinned)
			fmt.Printf("Host:      %s (port %d, %s)\n", info.Name, info.Port, info.Scheme)
			fmt.Printf("Pair URL:  %s\n", info.PairingURL)
			fmt.Printf("Platform:  %s\n", info.Platform)
			if !info.PairingOpen {
				fmt.Println(warnStyle.Render("Pairing is disabled; new devices cannot connect."))
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func pinRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the PIN with a new random one",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				PIN string `json:"pin"`
			}
			mustLocal(newLocalClient().post("/api/local/regenerate_code", struct{}{}, &out))
			fmt.Printf("New PIN: %s\n", out.PIN)
		},
	}
}

func pinSetCmd() *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "set [pin]",
		Short: "Pin a fixed 4-digit PIN",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var pin string
			if len(args) == 1 {
				pin = args[0]
			} else {
				var err error
				pin, err = promptString("Pairing PIN", "Exactly 4 digits", func(v string) error {
					if !config.ValidPIN(v) {
						return errors.New("PIN must be exactly 4 digits")
					}
					return nil
				})
				if err != nil {
					fmt.Println("Cancelled.")
					return
				}
			}
			if !config.ValidPIN(pin) {
				fmt.Fprintln(os.Stderr, "Error: PIN must be exactly 4 digits.")
				os.Exit(1)
			}

			if persist {
				if err := (pairing.KeyringStore{}).Save(pin); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Println("PIN saved to the system keyring (enable pairing.use_keyring to load it at startup).")
			}
			mustLocal(newLocalClient().post("/api/local/pin", map[string]string{"pin": pin}, nil))
			fmt.Printf("PIN pinned to %s.\n", pin)
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "also store the PIN in the system keyring")
	return cmd
}

func pinClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Unpin the PIN and remove it from the keyring",
		Run: func(cmd *cobra.Command, args []string) {
			if err := (pairing.KeyringStore{}).Clear(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			var out struct {
				PIN string `json:"pin"`
			}
			mustLocal(newLocalClient().post("/api/local/pin", map[string]string{"pin": ""}, &out))
			fmt.Printf("PIN unpinned. New random PIN: %s\n", out.PIN)
		},
	}
}

func pinQRCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Show a QR code a phone can scan to pair",
		Run: func(cmd *cobra.Command, args []string) {
			client := newLocalClient()
			if outFile != "" {
				var png []byte
				mustLocal(client.get("/api/local/pairing_qr.png", &png))
				if err := os.WriteFile(outFile, png, 0o644); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Wrote %s\n", outFile)
				return
			}

			var info protocol.LocalInfo
			mustLocal(client.get("/api/local/info", &info))
			qr, err := qrcode.New(info.PairingURL, qrcode.Medium)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(qr.ToSmallString(false))
			fmt.Println(dimStyle.Render(info.PairingURL))
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write a PNG instead of printing to the terminal")
	return cmd
}
