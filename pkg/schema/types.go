// Package schema holds the small set of domain identifiers shared by every
// engine package: stage kinds, run statuses and progress statuses.
package schema

import (
	"fmt"
	"strings"
)

// Stage identifies one of the four consensus stages.
type Stage string

const (
	StageGenerator Stage = "generator"
	StageRefiner   Stage = "refiner"
	StageValidator Stage = "validator"
	StageCurator   Stage = "curator"
)

// Stages returns the fixed execution order of the consensus pipeline.
func Stages() []Stage {
	return []Stage{StageGenerator, StageRefiner, StageValidator, StageCurator}
}

// Index returns the zero-based position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the four known stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// DisplayName returns a capitalised name for logs and CLI output.
func (s Stage) DisplayName() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// RunStatus is the terminal status of a consensus run.
type RunStatus string

const (
	StatusCompleted      RunStatus = "completed"
	StatusBudgetExceeded RunStatus = "budget_exceeded"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
)

// ProgressStatus is the lifecycle state reported in progress events.
type ProgressStatus string

const (
	ProgressWaiting   ProgressStatus = "waiting"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressError     ProgressStatus = "error"
)

// Mode is the execution path chosen for a request.
type Mode string

const (
	ModeConsensus Mode = "consensus"
	ModeDirect    Mode = "direct"
)
