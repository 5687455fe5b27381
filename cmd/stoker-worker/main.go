// stoker-worker is the pool's worker process. It speaks the job protocol on
// stdin/stdout; its stdout must carry nothing else, so all logging goes to
// stderr. The remaining argv is the query-engine command it will invoke.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/stoker/internal/engine"
	"github.com/mattjoyce/stoker/internal/log"
	"github.com/mattjoyce/stoker/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("stoker-worker", flag.ContinueOnError)
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "json", "Log format (json, text)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stoker-worker [flags] <engine-command> [engine-args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}

	log.SetupWriter(*logLevel, *logFormat, os.Stderr)
	logger := log.WithComponent("main")

	eng := engine.NewCLI(fs.Arg(0), fs.Args()[1:], log.Get())
	rt := worker.New(eng, os.Stdout, log.Get())

	logger.Info("worker starting", "pid", os.Getpid(), "engine", fs.Arg(0))
	if err := rt.Run(os.Stdin); err != nil {
		logger.Error("worker loop failed", "error", err)
		return 1
	}
	return 0
}
