package main

import (
	"os"

	"sigilo/cmd/sigilo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
