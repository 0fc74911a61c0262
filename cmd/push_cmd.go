package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func pushCmd() *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "push <path>",
		Short: "Offer a file to connected devices",
		Long:  "Offer a file for download. Without --device, every connected device holding file_transfer is notified.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path, err := filepath.Abs(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			var out protocol.FilePushResponse
			mustLocal(newLocalClient().post("/api/local/file_push",
				protocol.FilePushRequest{SessionID: device, Path: path}, &out))
			if len(out.Delivered) == 0 {
				fmt.Println(warnStyle.Render("No connected device can receive files."))
				return
			}
			fmt.Printf("Offered %s to %s\n", filepath.Base(path), strings.Join(out.Delivered, ", "))
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "target one device by session id")
	return cmd
}
