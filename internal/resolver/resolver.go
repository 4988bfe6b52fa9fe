// Package resolver computes the concrete set of actors allowed to act
// on a workflow step. Role membership and user existence come from an
// injected read-only directory so the resolution logic itself carries
// no mutable state.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// Directory is the external user/role lookup consumed during resolution
type Directory interface {
	UserExists(ctx context.Context, id string) (bool, error)
	ActiveUsersInRole(ctx context.Context, role string) ([]string, error)
}

// Context carries the run-scoped fields a DYNAMIC lookup may depend on.
// USER and ROLE strategies resolve from static configuration only.
type Context struct {
	WorkflowInstanceID   int64
	WorkflowDefinitionID int64
	SubmitterID          string
	RefType              string
	RefID                string
}

// DynamicLookup resolves a dynamic approver key against the run context
type DynamicLookup func(ctx context.Context, rctx Context) ([]string, error)

// DynamicKeySubmitter routes the step back to whoever started the run
const DynamicKeySubmitter = "SUBMITTER"

// ResolutionError reports that a step's approver set could not be
// computed or was empty. Callers treat it as a configuration defect.
type ResolutionError struct {
	StepName string
	Strategy string
	Reason   string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve approvers for step %q (%s): %s: %v", e.StepName, e.Strategy, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve approvers for step %q (%s): %s", e.StepName, e.Strategy, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver resolves step definitions to actor ID sets
type Resolver struct {
	directory Directory
	dynamic   map[string]DynamicLookup
	logger    *zap.Logger
}

// New creates a resolver with the built-in SUBMITTER dynamic lookup
func New(directory Directory, logger *zap.Logger) *Resolver {
	r := &Resolver{
		directory: directory,
		dynamic:   make(map[string]DynamicLookup),
		logger:    logger,
	}
	r.RegisterDynamic(DynamicKeySubmitter, func(_ context.Context, rctx Context) ([]string, error) {
		if rctx.SubmitterID == "" {
			return nil, fmt.Errorf("run has no submitter")
		}
		return []string{rctx.SubmitterID}, nil
	})
	return r
}

// RegisterDynamic registers a lookup for a DYNAMIC approver key,
// replacing any existing lookup for the same key
func (r *Resolver) RegisterDynamic(key string, fn DynamicLookup) {
	r.dynamic[key] = fn
}

// Resolve returns the set of actor IDs allowed to act on the step. The
// result is always non-empty; an empty resolution is an error because a
// workflow must never advance to a step nobody can act on.
func (r *Resolver) Resolve(ctx context.Context, step *models.StepDefinition, rctx Context) ([]string, error) {
	values := ParseApproverValue(step.ApproverValue)
	if len(values) == 0 {
		return nil, &ResolutionError{StepName: step.Name, Strategy: step.ApproverStrategy, Reason: "approver value is empty"}
	}

	var actors []string
	var err error

	switch step.ApproverStrategy {
	case models.StrategyUser:
		actors, err = r.resolveUsers(ctx, step, values)
	case models.StrategyRole:
		actors, err = r.resolveRoles(ctx, step, values)
	case models.StrategyDynamic:
		actors, err = r.resolveDynamic(ctx, step, values, rctx)
	default:
		return nil, &ResolutionError{
			StepName: step.Name,
			Strategy: step.ApproverStrategy,
			Reason:   "unknown approver strategy",
		}
	}
	if err != nil {
		return nil, err
	}

	actors = dedupe(actors)
	if len(actors) == 0 {
		return nil, &ResolutionError{StepName: step.Name, Strategy: step.ApproverStrategy, Reason: "resolved approver set is empty"}
	}

	r.logger.Debug("Resolved step approvers",
		zap.String("step", step.Name),
		zap.String("strategy", step.ApproverStrategy),
		zap.Strings("actors", actors))

	return actors, nil
}

func (r *Resolver) resolveUsers(ctx context.Context, step *models.StepDefinition, ids []string) ([]string, error) {
	for _, id := range ids {
		exists, err := r.directory.UserExists(ctx, id)
		if err != nil {
			return nil, &ResolutionError{StepName: step.Name, Strategy: step.ApproverStrategy, Reason: "user lookup failed", Err: err}
		}
		if !exists {
			return nil, &ResolutionError{
				StepName: step.Name,
				Strategy: step.ApproverStrategy,
				Reason:   fmt.Sprintf("user %q does not exist or is inactive", id),
			}
		}
	}
	return ids, nil
}

func (r *Resolver) resolveRoles(ctx context.Context, step *models.StepDefinition, roles []string) ([]string, error) {
	var actors []string
	for _, role := range roles {
		members, err := r.directory.ActiveUsersInRole(ctx, role)
		if err != nil {
			return nil, &ResolutionError{StepName: step.Name, Strategy: step.ApproverStrategy, Reason: "role lookup failed", Err: err}
		}
		if len(members) == 0 {
			return nil, &ResolutionError{
				StepName: step.Name,
				Strategy: step.ApproverStrategy,
				Reason:   fmt.Sprintf("role %q has no active members", role),
			}
		}
		actors = append(actors, members...)
	}
	return actors, nil
}

func (r *Resolver) resolveDynamic(ctx context.Context, step *models.StepDefinition, keys []string, rctx Context) ([]string, error) {
	var actors []string
	for _, key := range keys {
		lookup, ok := r.dynamic[key]
		if !ok {
			return nil, &ResolutionError{
				StepName: step.Name,
				Strategy: step.ApproverStrategy,
				Reason:   fmt.Sprintf("no dynamic lookup registered for key %q", key),
			}
		}
		resolved, err := lookup(ctx, rctx)
		if err != nil {
			return nil, &ResolutionError{
				StepName: step.Name,
				Strategy: step.ApproverStrategy,
				Reason:   fmt.Sprintf("dynamic lookup %q failed", key),
				Err:      err,
			}
		}
		actors = append(actors, resolved...)
	}
	return actors, nil
}

// ParseApproverValue normalizes the stored approver value into a list.
// The value may be a single scalar or a JSON-encoded string array; a
// scalar is equivalent to a one-element list. Normalization happens
// here, at the resolution boundary, so nothing deeper in the call stack
// branches on the encoding shape.
func ParseApproverValue(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			var out []string
			for _, v := range list {
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
				}
			}
			return out
		}
		// not valid JSON, fall through and treat as a scalar
	}

	return []string{trimmed}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
