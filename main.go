package main

import (
	"os"

	"github.com/karthikraju391/greenmarket-chat/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
