// Command loom manages the chapter memory hierarchy.
package main

import (
	"fmt"
	"os"

	"github.com/scrypster/loom/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}
