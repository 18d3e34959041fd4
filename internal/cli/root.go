// Package cli implements the runstream command line: the serve command
// that runs the whole engine in one process, and client commands that
// talk to a running server over its HTTP API.
package cli

import (
	"context"
	"strings"

	"github.com/joho/godotenv"
)

func Run(ctx context.Context, args []string) {
	// Local overrides; absence is fine.
	_ = godotenv.Load()

	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "serve":
		runServe(ctx, args[1:])
	case "submit":
		runSubmit(args[1:])
	case "runs":
		runListRuns(args[1:])
	case "run":
		runShowRun(args[1:])
	case "cancel":
		runCancel(args[1:])
	case "jobs":
		runListJobs(args[1:])
	case "tail":
		runTail(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
