package main

import (
	"os"

	"github.com/pipeguard/pipeguard/internal/interface/cli"
)

func main() {
	os.Exit(cli.Execute())
}
