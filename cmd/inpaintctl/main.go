package main

import (
	"fmt"
	"os"

	"github.com/danpasecinic/inpaintd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
