package main

import (
	"os"

	"github.com/fxpool/supersocket/cmd/supersock/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
