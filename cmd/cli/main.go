// Package main is the entry point for the dataworks CLI binary.
package main

import (
	"os"

	cli "dataworks/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
