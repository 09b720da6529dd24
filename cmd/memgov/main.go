package main

import (
	"os"

	"github.com/hupe1980/memgov/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
