package main

import (
	"os"

	"github.com/linqiu/stockseer/backend/cmd/seer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
