package main

import (
	"os"

	"github.com/mensfeld/dnsguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
