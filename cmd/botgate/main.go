// Package main is the entry point for the botgate CLI.
package main

import (
	"os"

	"github.com/botgate/botgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
