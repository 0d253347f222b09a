package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/bouncer/internal/config"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the blocked/safelist/danger/compliance/risk rule tables",
}

var rulesReloadCheckCmd = &cobra.Command{
	Use:   "reload-check",
	Short: "Parse the configured rule files without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		tables, err := loadRulesTables(cfg)
		if err != nil {
			return fmt.Errorf("rules invalid: %w", err)
		}
		fmt.Printf("rules OK: %d safelist prefixes, %d compliance rules, %d risk rules\n",
			len(tables.Safelist.Prefixes), len(tables.Compliance), len(tables.Risk))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesReloadCheckCmd)
}
