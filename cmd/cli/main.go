// Package main is the entry point for srmctl.
// srmctl is the operator terminal tool for the srmjobs controller API.
package main

import (
	"os"

	"srmjobs/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
