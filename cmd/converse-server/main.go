// Package main provides the entry point for the converse server.
package main

import (
	"fmt"
	"os"

	"github.com/converse-ai/converse/cmd/converse-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
