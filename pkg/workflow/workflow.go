// Package workflow implements the DAG workflow schema and executor
// (spec.md §4.20): step dependency validation, topological batching,
// placeholder interpolation, per-step retry/timeout, and cascading
// skip on failure.
package workflow

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/closedclaw/core/pkg/log"
)

// Trigger names how a workflow is started.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
	TriggerEvent  Trigger = "event"
)

// Status is a step or workflow's terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// RetryPolicy bounds per-step retry with exponential backoff
// (spec.md §4.20 "exponential backoff bounded by maxDelayMs").
type RetryPolicy struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BaseDelayMs int `yaml:"baseDelayMs"`
	MaxDelayMs  int `yaml:"maxDelayMs"`
}

// Step is one node in the workflow DAG. Exactly one of Tool/Agent must be
// set (spec.md "presence of exactly one of {tool, agent} per step").
type Step struct {
	Name            string            `yaml:"name"`
	DependsOn       []string          `yaml:"dependsOn"`
	Tool            string            `yaml:"tool"`
	Agent           string            `yaml:"agent"`
	Input           map[string]string `yaml:"input"`
	Retry           *RetryPolicy      `yaml:"retry"`
	TimeoutMs       int               `yaml:"timeoutMs"`
	ContinueOnError bool              `yaml:"continueOnError"`
}

// Definition is a parsed workflow schema (spec.md §4.20).
type Definition struct {
	Name          string            `yaml:"name"`
	Trigger       Trigger           `yaml:"trigger"`
	Variables     map[string]string `yaml:"variables"`
	Tags          []string          `yaml:"tags"`
	DefaultRetry  *RetryPolicy      `yaml:"defaultRetry"`
	TimeoutMs     int               `yaml:"timeoutMs"`
	Steps         []Step            `yaml:"steps"`
}

// ValidationError is raised for malformed or cyclic workflow definitions.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "workflow: " + e.Msg }

// Parse decodes and validates a workflow definition from YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse yaml: %w", err)
	}
	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func validate(def *Definition) error {
	if def.Name == "" {
		return &ValidationError{Msg: "name is required"}
	}
	if len(def.Steps) == 0 {
		return &ValidationError{Msg: "at least one step is required"}
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			return &ValidationError{Msg: "step name is required"}
		}
		if seen[s.Name] {
			return &ValidationError{Msg: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true

		hasTool := s.Tool != ""
		hasAgent := s.Agent != ""
		if hasTool == hasAgent {
			return &ValidationError{Msg: fmt.Sprintf("step %q must set exactly one of tool/agent", s.Name)}
		}
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{Msg: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep)}
			}
		}
	}

	if _, err := topoBatches(def.Steps); err != nil {
		return err
	}
	return nil
}

// topoBatches groups steps into parallel batches of equal dependency
// depth, returning a *ValidationError if the dependency graph has a cycle
// (spec.md "Topological sort groups steps into parallel batches of equal
// depth").
func topoBatches(steps []Step) ([][]Step, error) {
	byName := make(map[string]Step, len(steps))
	remaining := make(map[string][]string, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
		remaining[s.Name] = append([]string(nil), s.DependsOn...)
	}

	var batches [][]Step
	done := make(map[string]bool, len(steps))

	for len(done) < len(steps) {
		var batch []Step
		for name, deps := range remaining {
			if done[name] {
				continue
			}
			ready := true
			for _, d := range deps {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, byName[name])
			}
		}
		if len(batch) == 0 {
			return nil, &ValidationError{Msg: "dependency cycle detected"}
		}
		for _, s := range batch {
			done[s.Name] = true
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// StepExecutor invokes one step's tool or agent and returns its raw
// output.
type StepExecutor func(ctx context.Context, step Step, input map[string]string) (string, error)

// StepResult is one step's outcome, kept for post-mortem inspection
// (spec.md "State is serializable for post-mortem inspection").
type StepResult struct {
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Result is a completed (or aborted) workflow run.
type Result struct {
	Status Status                `json:"status"`
	Steps  map[string]StepResult `json:"steps"`
}

// Run executes def's steps batch by batch, honoring dependencies,
// interpolation, retry, and timeouts (spec.md §4.20).
func Run(ctx context.Context, def *Definition, vars map[string]string, exec StepExecutor) (Result, error) {
	batches, err := topoBatches(def.Steps)
	if err != nil {
		return Result{}, err
	}

	merged := make(map[string]string, len(def.Variables)+len(vars))
	for k, v := range def.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if def.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]StepResult, len(def.Steps))
	skip := make(map[string]bool)

	logger := log.WithComponent("workflow")
	logger.Info().Str("workflow", def.Name).Int("steps", len(def.Steps)).Msg("workflow started")

	overallStatus := StatusCompleted

batchLoop:
	for _, batch := range batches {
		select {
		case <-ctx.Done():
			overallStatus = StatusCancelled
			break batchLoop
		default:
		}
		if runCtx.Err() != nil {
			overallStatus = StatusTimedOut
			break batchLoop
		}

		g, gctx := errgroup.WithContext(runCtx)
		for _, s := range batch {
			s := s
			mu.Lock()
			skipped := false
			for _, dep := range s.DependsOn {
				if skip[dep] {
					skipped = true
					break
				}
			}
			mu.Unlock()
			if skipped {
				mu.Lock()
				skip[s.Name] = true
				results[s.Name] = StepResult{Name: s.Name, Status: StatusSkipped}
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				res := runStep(gctx, s, merged, results, &mu, exec, def.DefaultRetry)
				mu.Lock()
				results[s.Name] = res
				if res.Status == StatusFailed || res.Status == StatusTimedOut {
					if !s.ContinueOnError {
						skip[s.Name] = true
					}
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		for _, s := range batch {
			if r, ok := results[s.Name]; ok && (r.Status == StatusFailed || r.Status == StatusTimedOut) && !s.ContinueOnError {
				overallStatus = StatusFailed
			}
		}
		mu.Unlock()

		if overallStatus == StatusFailed {
			markTransitiveSkips(def.Steps, results, &mu)
			break
		}
		if runCtx.Err() == context.DeadlineExceeded {
			overallStatus = StatusTimedOut
			break
		}
		if ctx.Err() != nil {
			overallStatus = StatusCancelled
			break
		}
	}

	logger.Info().Str("workflow", def.Name).Str("status", string(overallStatus)).Msg("workflow finished")
	return Result{Status: overallStatus, Steps: results}, nil
}

// markTransitiveSkips marks every step transitively depending on a
// failed, non-continueOnError step as skipped (spec.md "all transitive
// dependents are marked skipped").
func markTransitiveSkips(steps []Step, results map[string]StepResult, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	changed := true
	for changed {
		changed = false
		for _, s := range steps {
			if _, done := results[s.Name]; done {
				continue
			}
			for _, dep := range s.DependsOn {
				r, ok := results[dep]
				if ok && (r.Status == StatusFailed || r.Status == StatusSkipped || r.Status == StatusTimedOut) {
					results[s.Name] = StepResult{Name: s.Name, Status: StatusSkipped}
					changed = true
					break
				}
			}
		}
	}
}

func runStep(ctx context.Context, s Step, vars map[string]string, prior map[string]StepResult, mu *sync.Mutex, exec StepExecutor, defaultRetry *RetryPolicy) StepResult {
	policy := s.Retry
	if policy == nil {
		policy = defaultRetry
	}
	maxAttempts := 1
	baseDelay := 500 * time.Millisecond
	maxDelay := 60 * time.Second
	if policy != nil {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		if policy.BaseDelayMs > 0 {
			baseDelay = time.Duration(policy.BaseDelayMs) * time.Millisecond
		}
		if policy.MaxDelayMs > 0 {
			maxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
		}
	}

	started := time.Now()
	mu.Lock()
	input := interpolateInputs(s.Input, vars, prior)
	mu.Unlock()

	var stepCtx context.Context
	var cancel context.CancelFunc
	if s.TimeoutMs > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(s.TimeoutMs)*time.Millisecond)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var lastErr error
	var output string
	attempts := 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		out, err := exec(stepCtx, s, input)
		if err == nil {
			output = out
			lastErr = nil
			break
		}
		lastErr = err
		if stepCtx.Err() == context.DeadlineExceeded {
			break
		}
		if attempt < maxAttempts-1 {
			delay := backoff(attempt, baseDelay, maxDelay)
			select {
			case <-time.After(delay):
			case <-stepCtx.Done():
			}
		}
	}

	res := StepResult{Name: s.Name, Attempts: attempts, Started: started, Finished: time.Now()}
	switch {
	case stepCtx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimedOut
		res.Error = "step timed out"
	case lastErr != nil:
		res.Status = StatusFailed
		res.Error = lastErr.Error()
	default:
		res.Status = StatusCompleted
		res.Output = output
	}
	return res
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// interpolate substitutes {{steps.X.output}}, {{variables.Y}}, and
// {{env.Z}} placeholders against the given context; unresolved
// placeholders are left literal (spec.md §4.20).
func interpolate(s string, vars map[string]string, results map[string]StepResult) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)[1]
		parts := strings.SplitN(sub, ".", 3)
		switch {
		case len(parts) == 3 && parts[0] == "steps" && parts[2] == "output":
			if r, ok := results[parts[1]]; ok {
				return r.Output
			}
			return m
		case len(parts) == 2 && parts[0] == "variables":
			if v, ok := vars[parts[1]]; ok {
				return v
			}
			return m
		case len(parts) == 2 && parts[0] == "env":
			if v, ok := os.LookupEnv(parts[1]); ok {
				return v
			}
			return m
		default:
			return m
		}
	})
}

func interpolateInputs(input map[string]string, vars map[string]string, results map[string]StepResult) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = interpolate(v, vars, results)
	}
	return out
}
