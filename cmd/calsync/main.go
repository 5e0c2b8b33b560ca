package main

import (
	"fmt"
	"os"

	appLog "calsync/internal/log"
)

var version = "0.1.0-dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Error("command failed", err)
		appLog.Sync()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	appLog.Sync()
}
