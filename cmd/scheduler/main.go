package main

import (
	"os"

	"github.com/G-Research/batchflow/cmd/scheduler/cmd"
	"github.com/G-Research/batchflow/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
