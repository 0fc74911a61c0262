package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"device"},
		Short:   "Manage paired devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesRightsCmd())
	cmd.AddCommand(devicesRenameCmd())
	cmd.AddCommand(devicesDisconnectCmd())
	cmd.AddCommand(devicesDeleteCmd())
	return cmd
}

func fetchDevices(client *localClient) []protocol.SessionInfo {
	var out struct {
		Devices []protocol.SessionInfo `json:"devices"`
	}
	mustLocal(client.get("/api/local/devices", &out))
	return out.Devices
}

func devicesListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Run: func(cmd *cobra.Command, args []string) {
			devices := fetchDevices(newLocalClient())
			if jsonOutput {
				printJSON(devices)
				return
			}
			if len(devices) == 0 {
				fmt.Println("No paired devices.")
				return
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				state := d.State
				switch {
				case d.Controller:
					state = okStyle.Render(state + " *")
				case state == string(sessions.StateActive):
					state = okStyle.Render(state)
				}
				rows = append(rows, []string{
					d.ID,
					truncateStr(d.Name, 24),
					state,
					strings.Join(d.Rights, ","),
					d.RemoteAddr,
					time.UnixMilli(d.LastSeenAt).Format("2006-01-02 15:04"),
				})
			}
			fmt.Println(renderTable([]string{"ID", "NAME", "STATE", "RIGHTS", "ADDRESS", "LAST SEEN"}, rows))
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// pickDevice returns args[0] or asks the user to choose a device.
func pickDevice(client *localClient, args []string, title string, onlyConnected bool) (protocol.SessionInfo, bool) {
	devices := fetchDevices(client)
	if len(args) > 0 {
		for _, d := range devices {
			if d.ID == args[0] {
				return d, true
			}
		}
		fmt.Fprintf(os.Stderr, "Error: no device %s\n", args[0])
		os.Exit(1)
	}

	var opts []SelectOption[string]
	for _, d := range devices {
		if onlyConnected && d.State != string(sessions.StateActive) {
			continue
		}
		label := d.ID
		if d.Name != "" {
			label = fmt.Sprintf("%s (%s)", d.Name, d.ID)
		}
		opts = append(opts, SelectOption[string]{Label: label, Value: d.ID})
	}
	if len(opts) == 0 {
		fmt.Println("No matching devices.")
		return protocol.SessionInfo{}, false
	}
	id, err := promptSelect(title, opts)
	if err != nil {
		fmt.Println("Cancelled.")
		return protocol.SessionInfo{}, false
	}
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return protocol.SessionInfo{}, false
}

func devicesRightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rights [id] [rights...]",
		Short: "Replace a device's rights (input, file_transfer, power_control, stream_view)",
		Long:  "Replace a device's rights. With only an id, choose interactively. Pass \"none\" to revoke everything.",
		Run: func(cmd *cobra.Command, args []string) {
			client := newLocalClient()
			dev, ok := pickDevice(client, args, "Device", false)
			if !ok {
				return
			}

			var names []string
			if len(args) > 1 {
				if !(len(args) == 2 && args[1] == "none") {
					names = args[1:]
				}
			} else {
				var opts []SelectOption[string]
				for _, n := range sessions.RightsAll.Names() {
					opts = append(opts, SelectOption[string]{Label: n, Value: n})
				}
				var err error
				if names, err = promptMultiSelect("Rights for "+dev.ID, opts, dev.Rights); err != nil {
					fmt.Println("Cancelled.")
					return
				}
			}
			if _, err := sessions.ParseRights(names); err != nil {
				mustLocal(err)
			}
			if names == nil {
				names = []string{}
			}

			var info protocol.SessionInfo
			mustLocal(client.post("/api/local/device_settings",
				protocol.DeviceSettingsRequest{SessionID: dev.ID, Rights: &names}, &info))
			fmt.Printf("%s rights: %s\n", info.ID, strings.Join(info.Rights, ", "))
		},
	}
}

func devicesRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a device",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[1]
			var info protocol.SessionInfo
			mustLocal(newLocalClient().post("/api/local/device_settings",
				protocol.DeviceSettingsRequest{SessionID: args[0], Name: &name}, &info))
			fmt.Printf("Renamed %s to %q.\n", info.ID, info.Name)
		},
	}
}

func devicesDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [id]",
		Short: "Close a device's control channel and streams",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newLocalClient()
			dev, ok := pickDevice(client, args, "Disconnect which device?", true)
			if !ok {
				return
			}
			mustLocal(client.post("/api/local/device_disconnect", protocol.DeviceRequest{SessionID: dev.ID}, nil))
			fmt.Printf("Disconnected %s.\n", dev.ID)
		},
	}
}

func devicesDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Forget a device; its token stops working",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newLocalClient()
			dev, ok := pickDevice(client, args, "Delete which device?", false)
			if !ok {
				return
			}
			if !force {
				yes, err := promptConfirm(fmt.Sprintf("Delete %s? It will have to pair again.", dev.ID), false)
				if err != nil || !yes {
					fmt.Println("Cancelled.")
					return
				}
			}
			mustLocal(client.post("/api/local/device_delete", protocol.DeviceRequest{SessionID: dev.ID}, nil))
			fmt.Printf("Deleted %s.\n", dev.ID)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}
