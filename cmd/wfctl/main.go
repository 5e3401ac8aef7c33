// wfctl plans, validates and submits walk-forward optimization runs.
package main

import (
	"fmt"
	"os"

	"github.com/saltfish/wfsearch/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
