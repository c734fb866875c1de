// Package rollout implements the fix-generator deploy pipeline: it scores
// a generated fix for deployment strategy, applies its patches with
// revert-on-failure, and advances a staged rollout as the test command
// keeps passing. The fix-generation LLM call itself and the patched
// repository's build system are external collaborators; this package
// only consumes their outputs (a Fix value, a CommandRunner).
package rollout

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"chatrt/internal/domain"
)

// Strategy names the deployment path chosen for a Fix.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategyStaged Strategy = "staged"
	StrategyManual Strategy = "manual"
)

// Patch locates originalCode in Path and replaces it with NewCode.
type Patch struct {
	Path         string
	OriginalCode string
	NewCode      string
}

// TestFile is a new or replaced file written alongside a Patch set,
// e.g. a generated regression test for the fix.
type TestFile struct {
	Path    string
	Content string
}

// Fix is the validated output of the (out-of-scope) fix-generator LLM
// client: a set of patches plus the confidence and test-presence signals
// that drive EvaluateDeployment.
type Fix struct {
	Confidence float64
	Patches    []Patch
	Tests      []TestFile
	TestCmd    []string // command + args run to validate the fix, e.g. ["go", "test", "./..."]
}

// Decision is the result of EvaluateDeployment.
type Decision struct {
	Strategy Strategy
	Reason   string
}

// EvaluateDeployment scores fix against threshold and decides how it
// should be deployed, per the module's bounded fix-rollout contract:
// no patches or low confidence goes manual; confidence at or above
// threshold with accompanying tests goes straight to auto; everything
// else is staged.
func EvaluateDeployment(fix Fix, threshold float64) Decision {
	if len(fix.Patches) == 0 {
		return Decision{Strategy: StrategyManual, Reason: "fix has no patches"}
	}
	if fix.Confidence < 0.4 {
		return Decision{Strategy: StrategyManual, Reason: fmt.Sprintf("confidence %.2f below manual floor 0.40", fix.Confidence)}
	}
	if fix.Confidence >= threshold && len(fix.Tests) > 0 {
		return Decision{Strategy: StrategyAuto, Reason: fmt.Sprintf("confidence %.2f >= threshold %.2f with tests present", fix.Confidence, threshold)}
	}
	return Decision{Strategy: StrategyStaged, Reason: fmt.Sprintf("confidence %.2f did not clear auto bar (threshold %.2f, tests present=%v)", fix.Confidence, threshold, len(fix.Tests) > 0)}
}

// RolloutTracker advances a deployment through its stage percentages,
// stopping at and staying at 100 once the plan is exhausted.
type RolloutTracker struct {
	mu     sync.Mutex
	stages []int
	index  int
}

// NewRolloutTracker builds the stage plan for strategy: auto rolls out in
// one jump to 100, staged ramps 10 -> 50 -> 100, manual has no stages of
// its own (the caller does not advance a manual deploy).
func NewRolloutTracker(strategy Strategy) *RolloutTracker {
	var stages []int
	switch strategy {
	case StrategyAuto:
		stages = []int{100}
	case StrategyStaged:
		stages = []int{10, 50, 100}
	default:
		stages = nil
	}
	return &RolloutTracker{stages: stages}
}

// CurrentStage returns the percentage currently active, or 0 if Advance
// has never been called.
func (t *RolloutTracker) CurrentStage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.index == 0:
		return 0
	case t.index > len(t.stages):
		return 100
	default:
		return t.stages[t.index-1]
	}
}

// Advance moves to the next stage and returns its percentage. Once the
// plan is exhausted it keeps returning 100.
func (t *RolloutTracker) Advance() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.index < len(t.stages) {
		t.index++
	}
	if t.index == 0 || t.index > len(t.stages) {
		return 100
	}
	return t.stages[t.index-1]
}

// Complete reports whether the tracker has reached its final stage.
func (t *RolloutTracker) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index >= len(t.stages)
}

// CommandRunner executes the fix's test command. Injected so tests can
// stub process execution without os/exec, matching the module's
// determinism-via-injection convention used elsewhere (random, clock).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, output string, err error)
}

// revertEntry captures a patched file's pre-deploy content so a failed
// deploy can restore it.
type revertEntry struct {
	path     string
	original string
}

// DeployResult reports the outcome of ExecuteDeploy.
type DeployResult struct {
	Success    bool
	Strategy   Strategy
	Stage      int
	TestOutput string
	Reverted   bool
	Err        error
}

// ExecuteDeploy applies fix's patches, writes its test files, runs the
// test command through runner, and either advances tracker's rollout (exit
// code 0) or reverts every patched file to its pre-deploy content in
// reverse application order (non-zero exit or any I/O failure).
func ExecuteDeploy(ctx context.Context, fix Fix, decision Decision, tracker *RolloutTracker, runner CommandRunner) DeployResult {
	if decision.Strategy == StrategyManual {
		return DeployResult{Success: false, Strategy: decision.Strategy, Err: domain.NewSubSystemError("rollout", "ExecuteDeploy", domain.ErrValidation, "manual strategy requires human action, not executed")}
	}

	reverts, err := applyPatches(fix.Patches)
	if err != nil {
		revertAll(reverts)
		return DeployResult{Success: false, Strategy: decision.Strategy, Reverted: true, Err: domain.NewSubSystemError("rollout", "ExecuteDeploy", domain.ErrPatchApplication, err.Error())}
	}

	for _, tf := range fix.Tests {
		if err := os.WriteFile(tf.Path, []byte(tf.Content), 0o644); err != nil {
			revertAll(reverts)
			return DeployResult{Success: false, Strategy: decision.Strategy, Reverted: true, Err: domain.NewSubSystemError("rollout", "ExecuteDeploy", domain.ErrPatchApplication, "writing test file: "+err.Error())}
		}
	}

	if len(fix.TestCmd) == 0 {
		revertAll(reverts)
		return DeployResult{Success: false, Strategy: decision.Strategy, Reverted: true, Err: domain.NewSubSystemError("rollout", "ExecuteDeploy", domain.ErrValidation, "fix has no test command")}
	}

	exitCode, output, runErr := runner.Run(ctx, fix.TestCmd[0], fix.TestCmd[1:]...)
	if runErr != nil || exitCode != 0 {
		revertAll(reverts)
		return DeployResult{Success: false, Strategy: decision.Strategy, TestOutput: output, Reverted: true, Err: runErr}
	}

	stage := tracker.Advance()
	return DeployResult{Success: true, Strategy: decision.Strategy, Stage: stage, TestOutput: output}
}

func applyPatches(patches []Patch) ([]revertEntry, error) {
	reverts := make([]revertEntry, 0, len(patches))
	for _, p := range patches {
		content, err := os.ReadFile(p.Path)
		if err != nil {
			return reverts, fmt.Errorf("reading %s: %w", p.Path, err)
		}
		original := string(content)
		if !strings.Contains(original, p.OriginalCode) {
			return reverts, fmt.Errorf("originalCode not found in %s", p.Path)
		}
		reverts = append(reverts, revertEntry{path: p.Path, original: original})

		patched := strings.Replace(original, p.OriginalCode, p.NewCode, 1)
		if err := os.WriteFile(p.Path, []byte(patched), 0o644); err != nil {
			return reverts, fmt.Errorf("writing %s: %w", p.Path, err)
		}
	}
	return reverts, nil
}

// revertAll restores every captured original file content, in reverse
// application order, per the module's revert-on-failure contract. Best
// effort: a restore failure is not surfaced, since the caller is already
// reporting a deploy failure and has no remaining recovery path.
func revertAll(reverts []revertEntry) {
	for i := len(reverts) - 1; i >= 0; i-- {
		_ = os.WriteFile(reverts[i].path, []byte(reverts[i].original), 0o644)
	}
}
