package main

import (
	"os"

	"github.com/pesio-ai/be-budget-transfers/internal/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
