package cmd

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// runtimeInfo is written by a running host so admin commands find it even
// after a port fallback.
type runtimeInfo struct {
	Port       int    `json:"port"`
	Scheme     string `json:"scheme"`
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id"`
}

func runtimePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "runtime.json")
}

func writeRuntimeInfo(cfg *config.Config, rt runtimeInfo) error {
	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(runtimePath(cfg), data, 0o600)
}

func removeRuntimeInfo(cfg *config.Config) {
	os.Remove(runtimePath(cfg))
}

// localClient calls the host's loopback-only admin API.
type localClient struct {
	base string
	http *http.Client
}

func newLocalClient() *localClient {
	cfg := loadConfig()
	port, scheme := cfg.Gateway.Port, "http"
	if cfg.Gateway.TLSEnabled() {
		scheme = "https"
	}
	if data, err := os.ReadFile(runtimePath(cfg)); err == nil {
		var rt runtimeInfo
		if json.Unmarshal(data, &rt) == nil && rt.Port > 0 {
			port, scheme = rt.Port, rt.Scheme
		}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	if scheme == "https" {
		// Loopback only; the host's certificate is usually issued for its LAN name.
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &localClient{
		base: scheme + "://127.0.0.1:" + strconv.Itoa(port),
		http: client,
	}
}

func (c *localClient) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host not reachable at %s (is `deskpilot serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb protocol.ErrorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error != nil {
			return &protocol.Error{Code: eb.Error.Code, Message: eb.Error.Message}
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *localClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *localClient) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

// mustLocal prints err and exits; admin commands have nothing to fall back to.
func mustLocal(err error) {
	if err == nil {
		return
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		fmt.Fprintf(os.Stderr, "Failed: %s (%s)\n", pe.Message, pe.Code)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
