package main

import (
	"os"

	"github.com/majorcontext/envhub/cmd/envhub/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
