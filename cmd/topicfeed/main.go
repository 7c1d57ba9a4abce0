package main

import (
	"os"

	"github.com/nhle/topicfeed/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
