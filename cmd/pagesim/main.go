// Pagesim boots a simulated 32-bit x86 machine and exercises its paging
// subsystem.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use: "pagesim",
	Short: "Pagesim simulates the virtual-memory subsystem of a small " +
		"x86 teaching kernel.",
	Long: `Pagesim simulates the virtual-memory subsystem of a small x86 ` +
		`teaching kernel: self-referential two-level page tables kept in ` +
		`simulated physical memory, a TLB, and the full mapping lifecycle ` +
		`from bootstrap to address-space copy and teardown.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
