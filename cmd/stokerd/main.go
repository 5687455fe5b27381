package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/mattjoyce/stoker/internal/api"
	"github.com/mattjoyce/stoker/internal/config"
	"github.com/mattjoyce/stoker/internal/doctor"
	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/lock"
	"github.com/mattjoyce/stoker/internal/log"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/protocol"
	"github.com/mattjoyce/stoker/internal/state"
	"github.com/mattjoyce/stoker/internal/storage"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("stokerd", flag.ContinueOnError)
	configPath := fs.String("config", "stoker.yaml", "Path to configuration file")
	check := fs.Bool("check", false, "Run preflight checks and exit")
	checkJSON := fs.Bool("check-json", false, "Run preflight checks, JSON output")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `stokerd - process-isolated worker pool for query-engine jobs

Usage:
  stokerd [--config PATH]

Jobs are driven over stdin as one JSON command per line:
  {"op":"dispatch","sessionId":"s1","prompt":"...","options":{"cwd":"..."}}
  {"op":"abort","sessionId":"s1"}

First SIGINT/SIGTERM drains running jobs; a second forces termination.
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Printf("stokerd version %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *check || *checkJSON {
		return runCheck(cfg, *checkJSON)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("stokerd starting", "version", version, "config", *configPath)

	if fp, err := config.Fingerprint(*configPath); err == nil {
		logger.Info("config fingerprint", "blake3", fp)
	}

	pidLock, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire instance lock", "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired instance lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(cfg.Pool.EventBuffer)

	store := state.NewStore(db)
	recorder := state.NewRecorder(store, log.Get())
	recCh, recCancel := hub.Subscribe()
	defer recCancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx, recCh)
	}()

	spawner := pool.NewProcSpawner(cfg.Worker.Binary, buildWorkerArgs(cfg), log.Get())
	manager := pool.NewManager(pool.Config{
		Size:         cfg.Pool.Size,
		ReadyTimeout: cfg.Pool.ReadyTimeout,
	}, spawner, hub, log.Get())
	manager.Start()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Token,
		}, manager, store, hub, log.Get())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		controlLoop(os.Stdin, manager, logger)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal, draining", "signal", sig)
	stopped := manager.Stop(false)

	select {
	case <-stopped:
	case sig = <-sigCh:
		logger.Warn("received second signal, forcing stop", "signal", sig)
		<-manager.Stop(true)
	}

	cancel()
	manager.Wait()
	logger.Info("stokerd stopped")
	return 0
}

func runCheck(cfg *config.Config, jsonOut bool) int {
	result := doctor.New(cfg).Check()
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

// pidLockPath derives the instance lock path from the state database path so
// the lock scope matches what it protects.
func pidLockPath(cfg *config.Config) string {
	base := strings.TrimSuffix(cfg.State.Path, filepath.Ext(cfg.State.Path))
	return base + ".pid"
}

// buildWorkerArgs assembles the worker argv: logging flags, any extra worker
// args from config, then the engine command line the worker will invoke.
func buildWorkerArgs(cfg *config.Config) []string {
	args := []string{
		"-log-level", cfg.Service.LogLevel,
		"-log-format", cfg.Service.LogFormat,
	}
	args = append(args, cfg.Worker.Args...)
	args = append(args, cfg.Engine.Command)
	args = append(args, cfg.Engine.Args...)
	return args
}

// controlCommand is one line of the stdin control stream.
type controlCommand struct {
	Op        string              `json:"op"`
	SessionID string              `json:"sessionId"`
	Prompt    string              `json:"prompt,omitempty"`
	Options   protocol.JobOptions `json:"options,omitempty"`
}

func parseControl(line []byte) (*controlCommand, error) {
	var cmd controlCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("malformed control command: %w", err)
	}
	switch cmd.Op {
	case "dispatch":
		if cmd.SessionID == "" || cmd.Prompt == "" {
			return nil, fmt.Errorf("dispatch requires sessionId and prompt")
		}
	case "abort":
		if cmd.SessionID == "" {
			return nil, fmt.Errorf("abort requires sessionId")
		}
	default:
		return nil, fmt.Errorf("unknown op %q", cmd.Op)
	}
	return &cmd, nil
}

type jobControl interface {
	Dispatch(req pool.JobRequest) string
	Abort(sessionID string)
}

// controlLoop drives the pool from the daemon's stdin. A bad line is logged
// and skipped; EOF ends the loop but not the daemon, which keeps serving
// already-dispatched jobs until signalled.
func controlLoop(in io.Reader, mgr jobControl, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := parseControl(line)
		if err != nil {
			logger.Warn("ignoring control line", "error", err)
			continue
		}
		switch cmd.Op {
		case "dispatch":
			jobID := mgr.Dispatch(pool.JobRequest{
				SessionID: cmd.SessionID,
				Prompt:    cmd.Prompt,
				Options:   cmd.Options,
			})
			logger.Info("dispatched", "job_id", jobID, "session_id", cmd.SessionID)
		case "abort":
			mgr.Abort(cmd.SessionID)
			logger.Info("abort requested", "session_id", cmd.SessionID)
		}
	}
	logger.Info("control stream closed")
}
