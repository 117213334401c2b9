package main

import (
	"os"

	"github.com/fresh-milkshake/searcher-agent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
