package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/output"
	"github.com/marcus/memo/internal/syncconfig"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage sync settings",
	GroupID: "system",
}

var configSetURLCmd = &cobra.Command{
	Use:   "set-url [url]",
	Short: "Set the sync server URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			err = fmt.Errorf("invalid server URL %q", args[0])
			output.Error("%v", err)
			return err
		}
		return updateConfig(func(c *syncconfig.Config) {
			c.ServerURL = strings.TrimRight(args[0], "/")
		}, "Server URL set")
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Set the bearer token used for the sync server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(args[0])
		if token == "" {
			err := fmt.Errorf("token must not be empty")
			output.Error("%v", err)
			return err
		}
		return updateConfig(func(c *syncconfig.Config) {
			c.Token = token
		}, "Token saved")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective sync settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		showConfig(cmd.OutOrStdout(), deviceID)
		return nil
	},
}

func updateConfig(fn func(*syncconfig.Config), msg string) error {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		output.Error("%v", err)
		return err
	}
	fn(cfg)
	if err := syncconfig.SaveConfig(cfg); err != nil {
		output.Error("save config: %v", err)
		return err
	}
	output.Success(msg)
	return nil
}

func showConfig(w io.Writer, deviceID string) {
	fmt.Fprintf(w, "server:     %s\n", syncconfig.GetServerURL())
	fmt.Fprintf(w, "token:      %s\n", maskToken(syncconfig.GetToken()))
	fmt.Fprintf(w, "device:     %s\n", deviceID)
	fmt.Fprintf(w, "data dir:   %s\n", syncconfig.DataDir())
	fmt.Fprintf(w, "auto-sync:  %t (pull %t, debounce %s)\n",
		syncconfig.GetAutoSyncEnabled(), syncconfig.GetAutoSyncPull(), syncconfig.GetAutoSyncDebounce())
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "(not set)"
	case len(token) <= 8:
		return strings.Repeat("*", len(token))
	default:
		return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
	}
}

func init() {
	configCmd.AddCommand(configSetURLCmd, configSetTokenCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
