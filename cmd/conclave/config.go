package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/config"
)

var configKeysHelp bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conclave configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conclave/config.yaml
Project-specific overrides can be placed in .conclave.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		switch len(args) {
		case 0:
			return displayAllConfig(cfg)
		case 1:
			value, err := config.Get(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configKeysHelp, "describe", false, "show a description next to each key")
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range config.Keys() {
		value, err := config.Get(cfg, k.Name)
		if err != nil {
			return err
		}
		if configKeysHelp {
			fmt.Fprintf(w, "%s:\t%s\t%s\n", k.Name, value, dimStyle.Render(k.Help))
		} else {
			fmt.Fprintf(w, "%s:\t%s\n", k.Name, value)
		}
	}
	return w.Flush()
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := config.Set(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}
