package main

import (
	"os"

	"github.com/hpcgrid/sessionbroker/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
