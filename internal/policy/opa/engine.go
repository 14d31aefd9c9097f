package opa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/access"
	"github.com/goodtune/kguard/internal/clock"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// RestrictionsQuery is the rule policies define to add restriction tags.
const RestrictionsQuery = "data.kguard.restrictions"

// Engine wraps OPA rego engine for restriction evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine loads the policies in policyDir and prepares the query
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies returns rego options for every .rego file in the policy directory
func (e *Engine) loadPolicies() ([]func(*rego.Rego), error) {
	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}
	sort.Strings(files)

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	opts := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse up front for a clear per-file error
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		opts = append(opts, rego.Module(file, string(content)))
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return opts, nil
}

// prepare compiles the restrictions query over the given modules
func (e *Engine) prepare(modules []func(*rego.Rego)) (rego.PreparedEvalQuery, error) {
	opts := append([]func(*rego.Rego){rego.Query(RestrictionsQuery)}, modules...)
	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare restrictions query: %w", err)
	}
	return query, nil
}

// Reload reloads all policies from disk. The previous policies stay active
// when loading fails.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := e.prepare(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Msg("OPA policies loaded")

	return nil
}

// Restrictions evaluates the policies for subject and returns their tags
func (e *Engine) Restrictions(ctx context.Context, subject access.Subject) ([]access.Restriction, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(Input(subject)))
	if err != nil {
		return nil, fmt.Errorf("restrictions query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Restrictions query evaluated")

	// An undefined rule means no tags
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("restrictions must be a set of strings, got %T", results[0].Expressions[0].Value)
	}

	tags := make([]access.Restriction, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("restriction tag is not a string: %T", v)
		}
		tags = append(tags, access.Restriction(s))
	}
	return tags, nil
}

// Input builds the policy input document for subject
func Input(subject access.Subject) map[string]interface{} {
	return map[string]interface{}{
		"device_id":  subject.DeviceID,
		"user_id":    subject.UserID,
		"profile_id": subject.ProfileID,
		"time": map[string]interface{}{
			"day_of_week": clock.ISOWeekday(subject.At),
			"hour":        subject.At.Hour(),
			"minute":      subject.At.Minute(),
		},
	}
}
