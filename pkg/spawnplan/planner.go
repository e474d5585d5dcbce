// Package spawnplan implements C4 (spec.md §4.3): mapping a classified
// artifact plus runtime parameters into a concrete command, argv,
// environment, and log paths. Grounded on pkg/commands/os.go's
// ExecutableFromString/NewCommandStringWithShell pattern for turning a
// command template into an executable, generalized from "run docker" to
// "launch an arbitrary kind-specific binary". Uses imdario/mergo for
// default/override layering, matching the ecosystem's struct-over-struct
// defaulting idiom the teacher's own by-hand merge (loadUserConfigWithDefaults)
// stands in for.
package spawnplan

import (
	"fmt"
	"strings"

	"github.com/imdario/mergo"
	"github.com/sijucj/dbyard/pkg/config"
	"github.com/sijucj/dbyard/pkg/ledger"
)

// Plan is the spawn planner's output (spec.md §3).
type Plan struct {
	Command       string
	Args          []string
	Env           map[string]string
	Cwd           string
	StdoutLogPath string
	StderrLogPath string
}

// ToLedgerPlan converts a Plan into the persisted shape stored in a ledger
// Record.
func (p Plan) ToLedgerPlan() ledger.Plan {
	return ledger.Plan{
		Command:       p.Command,
		Args:          append([]string(nil), p.Args...),
		Env:           copyMap(p.Env),
		Cwd:           p.Cwd,
		StdoutLogPath: p.StdoutLogPath,
		StderrLogPath: p.StderrLogPath,
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Params are the runtime parameters supplied by the supervisor for one
// spawn attempt (spec.md §4.3).
type Params struct {
	ListenHost    string
	Port          int
	ProxyPrefix   string
	Kind          string
	Identity      string
	Label         string
	UpstreamURL   string
	Tags          map[string]string // full identity tag set, §3
	StdoutLogPath string
	StderrLogPath string
}

// PlanError is a PlanError-kind failure (spec.md §7): bad override or
// unknown kind. The artifact is skipped and counted as skipped by the
// supervisor.
type PlanError struct {
	Kind string
	Err  error
}

func (e *PlanError) Error() string { return fmt.Sprintf("spawnplan: %s: %v", e.Kind, e.Err) }
func (e *PlanError) Unwrap() error { return e.Err }

// Planner builds a Plan from a kind's registered defaults, per-artifact
// overrides, and runtime parameters.
type Planner struct {
	UserConfig *config.UserConfig
}

// NewPlanner builds a Planner bound to the resolved user configuration.
func NewPlanner(uc *config.UserConfig) *Planner {
	return &Planner{UserConfig: uc}
}

// Plan resolves command/args/env/logs for one spawn attempt. kind is the
// classification result, possibly itself overridden by ov.SpawnDriver().
func (pl *Planner) Plan(kind string, ov Overrides, params Params) (Plan, error) {
	effectiveKind := kind
	if driver, ok := ov.SpawnDriver(); ok && driver != "" {
		effectiveKind = driver
	}

	spec := pl.UserConfig.KindSpecFor(effectiveKind)

	command := spec.Command
	if override, ok := ov.Bin(effectiveKind); ok && override != "" {
		command = override
	}
	if command == "" {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: fmt.Errorf("no binary configured for kind %q", effectiveKind)}
	}

	args := append([]string(nil), spec.Args...)
	if override, ok := ov.Args(effectiveKind); ok {
		args = override
	}
	args = resolveArgTemplates(args, params)

	env := map[string]string{}
	if err := mergo.Merge(&env, spec.Env); err != nil {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: err}
	}
	kindEnv, err := ov.KindEnv(effectiveKind)
	if err != nil {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: err}
	}
	if err := mergo.MergeWithOverwrite(&env, kindEnv); err != nil {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: err}
	}
	if err := mergo.MergeWithOverwrite(&env, ov.FreeEnv()); err != nil {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: err}
	}
	// Plan-supplied (tag) values always win over kind/override env,
	// per spec.md §4.3 and §4.4's environment-inheritance rule.
	if err := mergo.MergeWithOverwrite(&env, params.Tags); err != nil {
		return Plan{}, &PlanError{Kind: effectiveKind, Err: err}
	}

	return Plan{
		Command:       command,
		Args:          args,
		Env:           env,
		StdoutLogPath: params.StdoutLogPath,
		StderrLogPath: params.StderrLogPath,
	}, nil
}

func resolveArgTemplates(args []string, params Params) []string {
	values := map[string]string{
		"listenHost":  params.ListenHost,
		"port":        fmt.Sprintf("%d", params.Port),
		"proxyPrefix": params.ProxyPrefix,
		"identity":    params.Identity,
		"kind":        params.Kind,
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = applyPlaceholders(a, values)
	}
	return out
}

func applyPlaceholders(s string, values map[string]string) string {
	for k, v := range values {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
