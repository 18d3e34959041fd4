package cli

import "fmt"

func printUsage() {
	fmt.Println("runstream CLI")
	fmt.Println("Usage:")
	fmt.Println("  runstream serve [--addr=127.0.0.1:8080] [--db=./.runstream/runstream.db]")
	fmt.Println("  runstream submit [--addr=HOST:PORT] <conversation-id> -- \"your input\"")
	fmt.Println("  runstream runs [conversation-id]")
	fmt.Println("  runstream run <run-id>")
	fmt.Println("  runstream jobs [run-id]")
	fmt.Println("  runstream tail [--after=N] <run-id>")
	fmt.Println("  runstream cancel <run-id>")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  RUNSTREAM_ADDR                 Gateway listen address")
	fmt.Println("  RUNSTREAM_DB_PATH              SQLite database path")
	fmt.Println("  RUNSTREAM_WORKSPACE_DIR        Per-job workspace base directory")
	fmt.Println("  RUNSTREAM_WORKER_COMMAND       Worker process argv")
	fmt.Println("  RUNSTREAM_JOB_TIMEOUT          Worker wall-clock limit (default 1h)")
	fmt.Println("  RUNSTREAM_DEFER_AFTER          Blocking wait limit before deferral (default 60s)")
	fmt.Println("  RUNSTREAM_MAX_CONCURRENT       Concurrent jobs per claimer (default 4)")
	fmt.Println("  RUNSTREAM_HEARTBEAT_INTERVAL   Claim heartbeat period (default 5s)")
	fmt.Println("  RUNSTREAM_STALE_THRESHOLD      Heartbeat age before a claim is stale (default 15s)")
	fmt.Println("  RUNSTREAM_OTEL_ENABLED         Emit events as OpenTelemetry spans")
}
