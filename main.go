// Package main is the entry point for the isee RTSP client.
package main

import (
	"fmt"
	"os"

	"github.com/isee/rtsp-client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
