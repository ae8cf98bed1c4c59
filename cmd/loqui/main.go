// Package main provides the loqui CLI for live voice conversations.
//
// Usage:
//
//	loqui talk [flags]
//
// Configuration:
//
//	The API credential is read from the LOQUI_API_KEY environment
//	variable; a .env file in the working directory is loaded if present.
package main

import (
	"fmt"
	"os"

	"github.com/loqui-ai/loqui/cmd/loqui/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
