// Package doctor runs preflight checks over a stoker configuration: things
// config.Validate cannot see because they depend on the host, like whether
// the worker binary and engine command actually resolve.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/stoker/internal/config"
)

// Result holds the outcome of a preflight run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single preflight error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config against the host environment.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Check runs all preflight checks and returns a result.
func (d *Doctor) Check() *Result {
	r := &Result{Valid: true}

	d.checkWorkerBinary(r)
	d.checkEngineCommand(r)
	d.checkStatePath(r)
	d.checkPoolSizing(r)
	d.checkAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkWorkerBinary verifies the worker executable resolves on this host.
func (d *Doctor) checkWorkerBinary(r *Result) {
	binary := d.cfg.Worker.Binary
	if binary == "" {
		d.addError(r, "worker", "worker.binary", "worker.binary is required")
		return
	}
	if _, err := exec.LookPath(binary); err != nil {
		d.addError(r, "worker", "worker.binary",
			fmt.Sprintf("worker binary %q not found: %v", binary, err))
	}
}

// checkEngineCommand verifies the query-engine command resolves. Workers spawn
// it per query, so a bad command fails every job rather than startup.
func (d *Doctor) checkEngineCommand(r *Result) {
	command := d.cfg.Engine.Command
	if command == "" {
		d.addError(r, "engine", "engine.command", "engine.command is required")
		return
	}
	if _, err := exec.LookPath(command); err != nil {
		d.addError(r, "engine", "engine.command",
			fmt.Sprintf("engine command %q not found: %v", command, err))
	}
}

// checkStatePath verifies the session registry directory is usable.
func (d *Doctor) checkStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	dir := filepath.Dir(d.cfg.State.Path)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		// The daemon creates it on startup; only an unwritable parent is fatal.
		return
	}
	if err != nil {
		d.addError(r, "state", "state.path", fmt.Sprintf("stat %s: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
	}
}

// checkPoolSizing flags configurations that will start but behave poorly.
func (d *Doctor) checkPoolSizing(r *Result) {
	if d.cfg.Pool.Size > 32 {
		d.addWarning(r, "pool", "pool.size",
			fmt.Sprintf("pool.size %d spawns %d engine-capable processes; is that intended?",
				d.cfg.Pool.Size, d.cfg.Pool.Size))
	}
	if d.cfg.Pool.ReadyTimeout < time.Second {
		d.addWarning(r, "pool", "pool.ready_timeout",
			fmt.Sprintf("ready_timeout %s is very short; workers may be reported degraded at startup",
				d.cfg.Pool.ReadyTimeout))
	}
}

// checkAPI warns about an open observability surface.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token", "API enabled without a bearer token")
	}
	if !strings.HasPrefix(d.cfg.API.Listen, "127.0.0.1") &&
		!strings.HasPrefix(d.cfg.API.Listen, "localhost") {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %s, not loopback", d.cfg.API.Listen))
	}
}

// FormatHuman renders a result for terminal output.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Preflight passed.\n")
		return b.String()
	}
	if r.Valid {
		fmt.Fprintf(&b, "Preflight passed (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Preflight failed (%d error(s), %d warning(s))\n",
			len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
