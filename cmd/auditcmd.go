package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditTailLines int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the append-only audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCore(cmd.Context())
		if err != nil {
			return err
		}
		defer c.be.closer()

		entries, err := c.be.audit.Tail(cmd.Context(), auditTailLines)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s  %-10s  %s  source=%s account=%s\n",
				e.At.Format("2006-01-02T15:04:05Z07:00"), e.Kind, e.Decision, e.RequestID, e.Source, e.AccountID)
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVar(&auditTailLines, "lines", 50, "number of entries to print")
	auditCmd.AddCommand(auditTailCmd)
}
