package main

import (
	"fmt"
	"os"

	"github.com/tidemark-io/tidemark/internal/cli"
	"github.com/tidemark-io/tidemark/internal/engine"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if engine.IsConfigurationError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
