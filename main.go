package main

import (
	"os"

	"github.com/Mtoly/XrayIPGuard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
