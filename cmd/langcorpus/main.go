// Command langcorpus splits web-crawl shards into per-language text corpora.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/langcorpus/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
