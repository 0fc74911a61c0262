package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

const configTemplate = `// deskpilot host configuration (JSON5). Remove a key to use its default.
{
  // name: "office-pc",

  gateway: {
    port: 8765,
    // tls_cert: "/path/cert.pem",
    // tls_key: "/path/key.pem",
  },

  pairing: {
    // fixed_pin: "3071",
    use_keyring: false,
    // rotate_cron: "0 */6 * * *",
  },

  sessions: {
    default_rights: ["input", "stream_view"],
    control_policy: "concurrent", // or "single"
    store: "sqlite",              // or "file"
  },

  stream: {
    encoder: "ffmpeg",
    bridge: "gst-launch-1.0",
    fps: 30,
    auto_setup: true,
  },

  discovery: {
    enabled: true,
    mdns: true,
  },
}
`

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(os.Stderr, "%s already exists (use --force to overwrite)\n", cfgPath)
				os.Exit(1)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o600); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote %s\n", cfgPath)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(redactConfig(loadConfig()))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := config.Load(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
		},
	}
}

// secretKeys are masked wherever they appear in the config tree.
var secretKeys = map[string]bool{
	"fixed_pin": true,
	"tls_key":   true,
	"headers":   true,
}

func redactConfig(cfg *config.Config) map[string]any {
	data, _ := json.Marshal(cfg)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if secretKeys[k] {
			switch val := v.(type) {
			case string:
				if val != "" {
					m[k] = "****"
				}
			case map[string]any:
				for hk := range val {
					val[hk] = "****"
				}
			}
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			redactMap(sub)
		}
	}
}
