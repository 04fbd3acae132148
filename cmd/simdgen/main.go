package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/simdgen/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "simdgen: %v\n", err)
		os.Exit(1)
	}
}
