package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vidgen/backend/internal/app"
)

const usage = `usage: vidgen <command> [args]

commands:
  serve            run the HTTP API and generation workers
  migrate [up|status]
  seed <name>      apply seeds/<name>_seed.sql
  cron             run the monthly grant and url sweep on their schedules
  grant-monthly    run the monthly credit grant once
  sweep-urls       invalidate expired cached video urls once`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidgen: %v\n", err)
		if len(os.Args) < 2 {
			fmt.Fprintln(os.Stderr, usage)
		}
		os.Exit(1)
	}
}
