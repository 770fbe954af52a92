package main

import (
	"errors"
	"os"

	"iam-advisor/internal/cli"
	"iam-advisor/internal/worker"
)

func main() {
	rootCmd := cli.NewAdvisorCommand()

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, worker.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
