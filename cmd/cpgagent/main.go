package main

import (
	"os"

	"github.com/pgha/cpgagent/pkg/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
