package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_egress/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage egressctl configuration",
	Long:  `Manage egressctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":  viper.GetString("server"),
				"timeout": viper.GetDuration("timeout").String(),
				"json":    viper.GetBool("json"),
				"pretty":  viper.GetBool("pretty"),
			})
			return
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintf(out, "  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  egressctl config set server localhost:8080
  egressctl config set timeout 60s
  egressctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if key == "pretty" && parseBool(value) && !checkJQAvailable() {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.\n")
		}
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created: %s\n", path)
		fmt.Fprintln(out, "Default settings:")
		fmt.Fprintln(out, "  server: localhost:8080")
		fmt.Fprintln(out, "  timeout: 30s")
		fmt.Fprintln(out, "  json: false")
		fmt.Fprintln(out, "  pretty: false")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long: `Check the CLI configuration, the pipeline environment used by "egressctl run"
and connectivity to the egress API.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ egressctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "  ⚠️  Config file: not found (using defaults)\n")
		}

		if checkJQAvailable() {
			fmt.Fprintf(out, "  ✅ jq: available\n")
		} else {
			fmt.Fprintf(out, "  ❌ jq: not found in PATH\n")
		}

		if err := config.FromEnv().Validate(); err != nil {
			fmt.Fprintf(out, "  ❌ Pipeline environment: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✅ Pipeline environment: OK\n")
		}

		fmt.Fprintf(out, "  ✅ Server: %s\n", apiURL(""))
		fmt.Fprintln(out, "\nTesting server connectivity...")
		resp, err := makeHTTPRequest(cmd.Context(), http.MethodGet, "/healthz", nil)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  ❌ Server connectivity: %v\n", err)
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			fmt.Fprintf(out, "  ❌ Server connectivity: HTTP %d\n", resp.StatusCode)
		default:
			resp.Body.Close()
			fmt.Fprintf(out, "  ✅ Server connectivity: OK\n")
		}
	},
}

var writableKeys = map[string]bool{
	"server":  true,
	"timeout": true,
	"json":    true,
	"pretty":  true,
}

// setConfigValue validates and stores one key in viper
func setConfigValue(key, value string) error {
	if !writableKeys[key] {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty", key)
	}

	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q: use a positive duration like 30s", value)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

func parseBool(v string) bool {
	switch v {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".egressctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	// Flags for init command
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
