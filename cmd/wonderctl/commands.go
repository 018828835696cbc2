package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"

	"github.com/ronkeiser/wonder/cmd/coordinator/condition"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/resources"
	"github.com/ronkeiser/wonder/cmd/wonderctl/lint"
	"github.com/ronkeiser/wonder/common/config"
	"github.com/ronkeiser/wonder/common/db"
	"github.com/ronkeiser/wonder/common/logger"
	"github.com/ronkeiser/wonder/common/schema"
)

// errFindings marks failures already reported to the user
var errFindings = errors.New("findings reported")

// networkError marks a failure reaching the resources store or a coordinator;
// main exits 2 for these instead of 1.
type networkError struct{ err error }

func (e *networkError) Error() string { return e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }

// netErr classifies err as a transport failure unless it already carries a
// definition-level meaning (a missing definition is an answer, not an outage).
func netErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resources.ErrDefNotFound) {
		return err
	}
	return &networkError{err: err}
}

type app struct {
	verbose *bool

	cfg *config.Config
	log *logger.Logger
	db  *db.DB
	res *resources.Client
}

func newApp() *app {
	return &app{}
}

func (a *app) globalFlags() *ff.FlagSet {
	fs := ff.NewFlagSet("wonderctl")
	a.verbose = fs.Bool('v', "verbose", "verbose output")
	return fs
}

// resources connects lazily; local-only commands never touch the store
func (a *app) resources(ctx context.Context) (*resources.Client, error) {
	if a.res != nil {
		return a.res, nil
	}

	cfg, err := config.Load("wonderctl")
	if err != nil {
		return nil, err
	}
	level := cfg.Service.LogLevel
	if !*a.verbose {
		level = "error"
	}
	a.cfg = cfg
	a.log = logger.New(level, cfg.Service.LogFormat)

	a.db, err = db.New(ctx, cfg, a.log)
	if err != nil {
		return nil, netErr(err)
	}
	a.res = resources.NewClient(a.db, a.log)
	return a.res, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// loadDefFile parses a definition file and fills ids derivable from map keys
func loadDefFile(path string) (*model.WorkflowDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def model.WorkflowDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for id, node := range def.Nodes {
		if node.ID == "" {
			node.ID = id
		}
	}
	for source, trs := range def.Transitions {
		for _, tr := range trs {
			if tr.SourceNodeID == "" {
				tr.SourceNodeID = source
			}
		}
	}
	return &def, nil
}

// reportProblems prints findings and reports whether any is an error
func reportProblems(path string, problems []lint.Problem) bool {
	for _, p := range problems {
		fmt.Printf("%s: %s\n", path, p)
	}
	return lint.HasErrors(problems)
}

// validateDef runs the graph lint plus schema and condition compilation
func validateDef(def *model.WorkflowDef) []lint.Problem {
	problems := lint.Check(def)
	add := func(where, format string, args ...any) {
		problems = append(problems, lint.Problem{
			Severity: lint.SeverityError,
			Where:    where,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	schemas := []struct {
		name string
		raw  json.RawMessage
	}{
		{"input", def.InputSchema},
		{"state", def.StateSchema},
		{"output", def.OutputSchema},
	}
	for _, s := range schemas {
		if _, err := schema.Compile(s.name, s.raw); err != nil {
			add("", "%s schema: %v", s.name, err)
		}
	}

	eval := condition.NewEvaluator()
	for _, trs := range def.Transitions {
		for _, tr := range trs {
			if err := eval.Check(tr.Condition); err != nil {
				add(tr.ID, "condition: %v", err)
			}
		}
	}
	return problems
}

func (a *app) checkCommand() *ff.Command {
	return &ff.Command{
		Name:      "check",
		Usage:     "wonderctl check FILE...",
		ShortHelp: "lint definition graphs",
		Flags:     ff.NewFlagSet("check"),
		Exec: func(_ context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("check requires at least one file")
			}
			var failed bool
			for _, path := range args {
				def, err := loadDefFile(path)
				if err != nil {
					return err
				}
				if reportProblems(path, lint.Check(def)) {
					failed = true
				}
			}
			if failed {
				return errFindings
			}
			return nil
		},
	}
}

func (a *app) validateCommand() *ff.Command {
	return &ff.Command{
		Name:      "validate",
		Usage:     "wonderctl validate FILE...",
		ShortHelp: "lint definitions and compile their schemas and conditions",
		Flags:     ff.NewFlagSet("validate"),
		Exec: func(_ context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("validate requires at least one file")
			}
			var failed bool
			for _, path := range args {
				def, err := loadDefFile(path)
				if err != nil {
					return err
				}
				if reportProblems(path, validateDef(def)) {
					failed = true
				}
			}
			if failed {
				return errFindings
			}
			return nil
		},
	}
}

func (a *app) testCommand() *ff.Command {
	return &ff.Command{
		Name:      "test",
		Usage:     "wonderctl test FILE...",
		ShortHelp: "validate definitions and resolve their subworkflow references",
		Flags:     ff.NewFlagSet("test"),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("test requires at least one file")
			}
			var failed bool
			for _, path := range args {
				def, err := loadDefFile(path)
				if err != nil {
					return err
				}
				problems := validateDef(def)
				if len(subworkflowRefs(def)) > 0 {
					res, err := a.resources(ctx)
					if err != nil {
						return err
					}
					problems = append(problems, checkSubworkflowRefs(ctx, res, def)...)
				}
				if reportProblems(path, problems) {
					failed = true
				} else {
					fmt.Printf("%s: ok\n", path)
				}
			}
			if failed {
				return errFindings
			}
			return nil
		},
	}
}

type subworkflowRef struct {
	nodeID  string
	defID   string
	version string
}

func subworkflowRefs(def *model.WorkflowDef) []subworkflowRef {
	var refs []subworkflowRef
	for id, node := range def.Nodes {
		if node.Subworkflow != nil && node.Subworkflow.DefID != "" {
			refs = append(refs, subworkflowRef{
				nodeID:  id,
				defID:   node.Subworkflow.DefID,
				version: node.Subworkflow.Version,
			})
		}
	}
	return refs
}

// checkSubworkflowRefs verifies every referenced child definition is deployed
// and itself passes the graph lint.
func checkSubworkflowRefs(ctx context.Context, res *resources.Client, def *model.WorkflowDef) []lint.Problem {
	var problems []lint.Problem
	for _, ref := range subworkflowRefs(def) {
		child, err := res.GetWorkflowDef(ctx, ref.defID, ref.version)
		if err != nil {
			problems = append(problems, lint.Problem{
				Severity: lint.SeverityError,
				Where:    ref.nodeID,
				Message:  fmt.Sprintf("subworkflow %s@%s: %v", ref.defID, ref.version, err),
			})
			continue
		}
		if childProblems := lint.Check(child); lint.HasErrors(childProblems) {
			problems = append(problems, lint.Problem{
				Severity: lint.SeverityError,
				Where:    ref.nodeID,
				Message:  fmt.Sprintf("subworkflow %s@%s has %d graph problems", child.ID, child.Version, len(childProblems)),
			})
		}
	}
	return problems
}

func (a *app) deployCommand() *ff.Command {
	return &ff.Command{
		Name:      "deploy",
		Usage:     "wonderctl deploy FILE...",
		ShortHelp: "validate definitions and write them to the resources store",
		Flags:     ff.NewFlagSet("deploy"),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("deploy requires at least one file")
			}
			for _, path := range args {
				def, err := loadDefFile(path)
				if err != nil {
					return err
				}
				if reportProblems(path, validateDef(def)) {
					return errFindings
				}
			}

			res, err := a.resources(ctx)
			if err != nil {
				return err
			}
			for _, path := range args {
				def, err := loadDefFile(path)
				if err != nil {
					return err
				}
				if err := res.PutWorkflowDef(ctx, def); err != nil {
					return netErr(err)
				}
				fmt.Printf("%s: deployed %s@%s\n", path, def.ID, def.Version)
			}
			return nil
		},
	}
}

func (a *app) pullCommand() *ff.Command {
	fs := ff.NewFlagSet("pull")
	defID := fs.String('d', "def", "", "definition id (required)")
	version := fs.String('r', "revision", "", "definition version; latest when empty")
	output := fs.String('o', "output", "", "output file; stdout when empty")

	return &ff.Command{
		Name:      "pull",
		Usage:     "wonderctl pull --def ID [--revision V] [-o FILE]",
		ShortHelp: "fetch a deployed definition as JSON",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			if *defID == "" {
				return errors.New("--def is required")
			}
			res, err := a.resources(ctx)
			if err != nil {
				return err
			}
			def, err := res.GetWorkflowDef(ctx, *defID, *version)
			if err != nil {
				return netErr(err)
			}

			data, err := json.MarshalIndent(def, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if *output == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(*output, data, 0o644)
		},
	}
}

func (a *app) diffCommand() *ff.Command {
	fs := ff.NewFlagSet("diff")
	version := fs.String('r', "revision", "", "deployed version to compare against; the file's version when empty")

	return &ff.Command{
		Name:      "diff",
		Usage:     "wonderctl diff FILE [--revision V]",
		ShortHelp: "show what deploying a file would change, as a JSON merge patch",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("diff requires exactly one file")
			}
			local, err := loadDefFile(args[0])
			if err != nil {
				return err
			}

			res, err := a.resources(ctx)
			if err != nil {
				return err
			}
			v := *version
			if v == "" {
				v = local.Version
			}
			remote, err := res.GetWorkflowDef(ctx, local.ID, v)
			if err != nil {
				return netErr(err)
			}

			remoteJSON, err := json.Marshal(remote)
			if err != nil {
				return err
			}
			localJSON, err := json.Marshal(local)
			if err != nil {
				return err
			}
			patch, err := jsonpatch.CreateMergePatch(remoteJSON, localJSON)
			if err != nil {
				return fmt.Errorf("compute merge patch: %w", err)
			}

			if string(patch) == "{}" {
				fmt.Printf("%s matches deployed %s@%s\n", args[0], remote.ID, remote.Version)
				return nil
			}
			pretty := &bytes.Buffer{}
			if err := json.Indent(pretty, patch, "", "  "); err != nil {
				pretty.Write(patch)
			}
			fmt.Printf("%s differs from deployed %s@%s:\n%s\n", args[0], remote.ID, remote.Version, pretty.String())
			return errFindings
		},
	}
}

func (a *app) runCommand() *ff.Command {
	fs := ff.NewFlagSet("run")
	defID := fs.String('d', "def", "", "definition id (required)")
	version := fs.String('r', "revision", "", "definition version; latest when empty")
	input := fs.String('i', "input", "{}", "run input as JSON, or @FILE")
	runID := fs.StringLong("id", "", "run id; generated when empty")
	coordinator := fs.String('c', "coordinator", "http://localhost:8080", "coordinator base URL")
	traceEvents := fs.Bool('t', "trace", "emit per-decision trace events")
	workspace := fs.StringLong("workspace", "", "workspace id")
	project := fs.StringLong("project", "", "project id")

	return &ff.Command{
		Name:      "run",
		Usage:     "wonderctl run --def ID [flags]",
		ShortHelp: "register a run and start it on a coordinator",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			if *defID == "" {
				return errors.New("--def is required")
			}
			inputDoc, err := parseInput(*input)
			if err != nil {
				return err
			}

			id := *runID
			if id == "" {
				id = uuid.NewString()
			}
			run := model.Run{
				ID:          id,
				WorkspaceID: *workspace,
				ProjectID:   *project,
				DefID:       *defID,
				DefVersion:  *version,
			}

			res, err := a.resources(ctx)
			if err != nil {
				return err
			}
			if err := res.CreateRun(ctx, run); err != nil {
				return netErr(err)
			}

			body := map[string]any{
				"def_id":       *defID,
				"version":      *version,
				"workspace_id": *workspace,
				"project_id":   *project,
				"input":        inputDoc,
				"trace_events": *traceEvents,
			}
			url := strings.TrimRight(*coordinator, "/") + "/v1/runs/" + id + "/start"
			if err := postJSON(ctx, url, body); err != nil {
				return err
			}
			fmt.Printf("started run %s (%s@%s)\n", id, *defID, orLatest(*version))
			return nil
		},
	}
}

func parseInput(arg string) (map[string]any, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return doc, nil
}

func postJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return &networkError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(snippet))
		if resp.StatusCode >= 500 {
			return &networkError{err: err}
		}
		return err
	}
	return nil
}

func orLatest(version string) string {
	if version == "" {
		return "latest"
	}
	return version
}
