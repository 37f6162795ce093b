package main

import (
	"fmt"
	"os"

	"github.com/rbaliyan/servicebus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "servicebus: %v\n", err)
		os.Exit(1)
	}
}
