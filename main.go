package main

import (
	"os"

	"github.com/andi/xmlconv/backend/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
