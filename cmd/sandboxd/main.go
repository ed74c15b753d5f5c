package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/sandboxd/cmd/sandboxd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
