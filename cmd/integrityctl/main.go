// Command integrityctl checks and restores integrity-protected JSON files
// offline: record checksums, backup verification and restores.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
