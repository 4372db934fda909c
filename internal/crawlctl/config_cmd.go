package crawlctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gateway contexts",
}

// editConfig loads the config file, applies fn and saves the result.
func editConfig(fn func(*Config) error) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return SaveConfig(cfg, cfgFile)
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		server, _ := flags.GetString("server")
		token, _ := flags.GetString("token")
		kind, _ := flags.GetString("kind")
		makeCurrent, _ := flags.GetBool("current")
		if server == "" {
			return fmt.Errorf("--server is required")
		}
		err := editConfig(func(cfg *Config) error {
			cfg.Set(Context{Name: args[0], Server: server, Token: token, Kind: kind}, makeCurrent)
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q saved.\n", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := editConfig(func(cfg *Config) error { return cfg.Use(args[0]) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Remove a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := editConfig(func(cfg *Config) error { return cfg.Delete(args[0]) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q deleted.\n", args[0])
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Print the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			return fmt.Errorf("no current context set")
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List configured contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		t := newTable(cmd.OutOrStdout(), "CURRENT", "NAME", "SERVER", "KIND", "AUTH")
		for _, name := range cfg.Names() {
			c := cfg.Contexts[name]
			current, auth := "", "none"
			if name == cfg.CurrentContext {
				current = "*"
			}
			if c.Token != "" {
				auth = "token"
			}
			t.row(current, name, c.Server, c.Kind, auth)
		}
		t.flush()
		return nil
	},
}

func init() {
	configSetContextCmd.Flags().String("server", "", "Gateway URL")
	configSetContextCmd.Flags().String("token", "", "Gateway API token")
	configSetContextCmd.Flags().String("kind", "daily", "Default task kind")
	configSetContextCmd.Flags().Bool("current", true, "Make this the current context")

	configCmd.AddCommand(configSetContextCmd, configUseContextCmd, configDeleteContextCmd, configCurrentContextCmd, configViewCmd)
}
