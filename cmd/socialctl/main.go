package main

import (
	"fmt"
	"os"

	"socialmesh/go-node/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
