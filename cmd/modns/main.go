// Package main is the entry point for modns.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/modns/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
