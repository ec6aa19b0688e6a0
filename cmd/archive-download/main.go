package main

import (
	"go-archive-download/cmd/archive-download/cmd"
	"go-archive-download/internal/api"
)

func main() {
	// Flush and close any API request log files on exit.
	defer api.CloseAllLoggingTransports()

	cmd.Execute()
}
