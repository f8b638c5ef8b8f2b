// Package main is the entry point for the feishurelay CLI.
package main

import (
	"os"

	"github.com/KafClaw/feishurelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
