package main

import (
	"context"
	"os"

	"github.com/runstreamhq/runstream/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
