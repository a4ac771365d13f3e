package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/closedclaw/core/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify PATH",
	Short: "Verify the audit log's hash chain is unbroken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		result, integrityErr, err := audit.VerifyIntegrity(path)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		fmt.Printf("entries: %d\n", result.Entries)
		if result.OK {
			fmt.Println("chain: OK")
			return nil
		}

		fmt.Println("chain: BROKEN")
		fmt.Printf("  sequence: %d\n", integrityErr.Seq)
		fmt.Printf("  expected hash: %s\n", integrityErr.Expected)
		fmt.Printf("  actual hash:   %s\n", integrityErr.Actual)
		return fmt.Errorf("audit log integrity check failed at sequence %d", integrityErr.Seq)
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
