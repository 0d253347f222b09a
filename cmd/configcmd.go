package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/bouncer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate gateway configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load configuration and report any validation errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: store=%s notifier=%s http=%s\n", cfg.StoreDriver, cfg.Notifier.Kind, cfg.HTTPAddr)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
