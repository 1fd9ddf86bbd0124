// Package probe reads agent status records from the filesystem. Each agent
// runtime owns a directory under the agents dir and writes a status.json
// describing its current state; probe treats that file as the source of
// truth and never writes to it.
package probe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// State is the observed execution state of an agent.
type State string

const (
	// StateRunning means the agent reported it is still working.
	StateRunning State = "running"
	// StateCompleted means the agent reported successful completion.
	StateCompleted State = "completed"
	// StateError means the agent reported a failure.
	StateError State = "error"
	// StateAbsent means no readable, valid status record exists. Absent is
	// indistinguishable from "not started yet" and is never treated as an
	// error by callers.
	StateAbsent State = "absent"
)

// Report is the parsed content of one status.json.
type Report struct {
	State           State
	Message         string
	CompletedAt     time.Time // zero when the record carries no timestamp
	DurationSeconds int64
}

const statusFileName = "status.json"

// statusSchema validates agent status records before they are trusted.
// Anything that fails validation is reported as absent rather than as an
// error, so a half-written file cannot wedge reconciliation.
const statusSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["state"],
	"properties": {
		"state": {"type": "string", "enum": ["running", "completed", "error", "failed"]},
		"message": {"type": "string"},
		"completed_at": {"type": "string"},
		"duration_seconds": {"type": "number", "minimum": 0}
	}
}`

// Prober reads and validates status records for agents under a root dir.
type Prober struct {
	agentsDir string
	schema    *jsonschema.Schema
}

func New(agentsDir string) (*Prober, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(statusSchema))
	if err != nil {
		return nil, fmt.Errorf("parse status schema: %w", err)
	}
	if err := compiler.AddResource("status.json", doc); err != nil {
		return nil, fmt.Errorf("add status schema: %w", err)
	}
	schema, err := compiler.Compile("status.json")
	if err != nil {
		return nil, fmt.Errorf("compile status schema: %w", err)
	}
	return &Prober{agentsDir: agentsDir, schema: schema}, nil
}

// AgentsDir returns the configured root directory.
func (p *Prober) AgentsDir() string {
	return p.agentsDir
}

// StatusPath returns the status.json location for an agent.
func (p *Prober) StatusPath(agentID string) string {
	return filepath.Join(p.agentsDir, agentID, statusFileName)
}

// Status reads an agent's status record. It never returns an error: a
// missing directory, unreadable file, malformed JSON, or schema violation
// all collapse to StateAbsent, because the record may simply not be
// written yet.
func (p *Prober) Status(agentID string) Report {
	if agentID == "" {
		return Report{State: StateAbsent}
	}
	data, err := os.ReadFile(p.StatusPath(agentID))
	if err != nil {
		return Report{State: StateAbsent}
	}
	return p.parse(data)
}

func (p *Prober) parse(data []byte) Report {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Report{State: StateAbsent}
	}
	if err := p.schema.Validate(doc); err != nil {
		return Report{State: StateAbsent}
	}

	record, ok := doc.(map[string]any)
	if !ok {
		return Report{State: StateAbsent}
	}

	state := State(record["state"].(string))
	if state == "failed" {
		// "error" and "failed" are the same terminal outcome.
		state = StateError
	}
	report := Report{State: state}
	if msg, ok := record["message"].(string); ok {
		report.Message = msg
	}
	if raw, ok := record["completed_at"].(string); ok && raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			report.CompletedAt = ts.UTC()
		}
	}
	// jsonschema.UnmarshalJSON decodes numbers as json.Number.
	if num, ok := record["duration_seconds"].(json.Number); ok {
		if dur, err := num.Float64(); err == nil && dur >= 0 {
			report.DurationSeconds = int64(dur)
		}
	}
	return report
}
