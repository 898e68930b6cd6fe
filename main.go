package main

import (
	"os"

	"github.com/spigell/upwork-harvester/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
