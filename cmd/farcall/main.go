package main

import (
	"os"

	"farcall/cmd/farcall/command"
)

func main() {
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
