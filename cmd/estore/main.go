package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "estore: %v\n", err)
		os.Exit(1)
	}
}
