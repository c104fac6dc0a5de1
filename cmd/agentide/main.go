package main

import (
	"os"

	"github.com/nadavbarak14/agentide/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
