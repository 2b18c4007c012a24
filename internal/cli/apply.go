package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/service"
)

// Batch is an apply file.
//
//	operations:
//	  - id: new
//	    put: { title: dune }
//	  - id: 0190a8c4-5f7e-7a3b-9c1d-2e4f6a8b0c1d
//	    merge: { pages: 412 }
//	  - id: 0190a8c4-5f7e-7a3b-9c1d-2e4f6a8b0c1d
//	    remove: true
type Batch struct {
	Operations []Operation `yaml:"operations"`
}

// Operation is exactly one of Put, Merge or Remove against ID.
type Operation struct {
	ID     string         `yaml:"id"`
	Put    map[string]any `yaml:"put,omitempty"`
	Merge  map[string]any `yaml:"merge,omitempty"`
	Remove bool           `yaml:"remove,omitempty"`
}

// PlannedOp is a validated batch operation.
type PlannedOp struct {
	index int
	id    uuid.UUID
	verb  string
	doc   entity.Document
}

// OperationResult is the outcome of one batch operation.
type OperationResult struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Op       string          `json:"op"`
	OK       bool            `json:"ok"`
	Document entity.Document `json:"document,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ApplyResult is the output of the apply command.
type ApplyResult struct {
	Results   []OperationResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

func (r ApplyResult) String() string {
	var b strings.Builder
	for _, res := range r.Results {
		if res.OK {
			fmt.Fprintf(&b, "✓ #%d %s %s %s\n", res.Index, res.Op, res.ID, renderDocument(res.Document))
		} else {
			fmt.Fprintf(&b, "✗ #%d %s %s: %s\n", res.Index, res.Op, res.ID, res.Error)
		}
	}
	fmt.Fprintf(&b, "\n%d succeeded, %d failed", r.Succeeded, r.Failed)
	return b.String()
}

// ParseBatch decodes and validates an apply file. "new" identities receive
// a fresh UUIDv7 each.
func ParseBatch(data []byte) ([]PlannedOp, error) {
	var batch Batch
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(batch.Operations) == 0 {
		return nil, fmt.Errorf("operations list is required and must be non-empty")
	}

	plan := make([]PlannedOp, len(batch.Operations))
	for i, op := range batch.Operations {
		p, err := planOperation(i, op)
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		plan[i] = p
	}
	return plan, nil
}

func planOperation(i int, op Operation) (PlannedOp, error) {
	id, err := parseID(op.ID, true)
	if err != nil {
		return PlannedOp{}, err
	}
	p := PlannedOp{index: i, id: id}

	verbs := 0
	if op.Put != nil {
		verbs++
		p.verb = "put"
		if p.doc, err = yamlDocument(op.Put); err != nil {
			return PlannedOp{}, fmt.Errorf("put: %w", err)
		}
	}
	if op.Merge != nil {
		verbs++
		p.verb = "merge"
		if p.doc, err = yamlDocument(op.Merge); err != nil {
			return PlannedOp{}, fmt.Errorf("merge: %w", err)
		}
	}
	if op.Remove {
		verbs++
		p.verb = "remove"
	}
	if verbs != 1 {
		return PlannedOp{}, fmt.Errorf("exactly one of put, merge or remove is required")
	}
	return p, nil
}

func yamlDocument(m map[string]any) (entity.Document, error) {
	v, err := entity.FromGo(m)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(entity.Document)
	if !ok {
		return nil, fmt.Errorf("expected an object")
	}
	return doc, nil
}

// Apply runs plan against svc. Operations on the same identity run in file
// order; different identities run concurrently. Operation failures are
// recorded in the result, not returned.
func Apply(ctx context.Context, svc *service.Service, plan []PlannedOp) (ApplyResult, error) {
	results := make([]OperationResult, len(plan))

	var order []uuid.UUID
	groups := make(map[uuid.UUID][]PlannedOp)
	for _, p := range plan {
		if _, seen := groups[p.id]; !seen {
			order = append(order, p.id)
		}
		groups[p.id] = append(groups[p.id], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		ops := groups[id]
		g.Go(func() error {
			for _, p := range ops {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[p.index] = applyOne(gctx, svc, p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ApplyResult{}, err
	}

	out := ApplyResult{Results: results}
	for _, r := range results {
		if r.OK {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

func applyOne(ctx context.Context, svc *service.Service, p PlannedOp) OperationResult {
	res := OperationResult{Index: p.index, ID: p.id.String(), Op: p.verb}

	var doc entity.Document
	var err error
	switch p.verb {
	case "put":
		doc, err = svc.Put(ctx, p.id, p.doc)
	case "merge":
		doc, err = svc.Merge(ctx, p.id, p.doc)
	case "remove":
		doc, err = svc.Remove(ctx, p.id)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Document = doc
	return res
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.yaml|->",
		Short: "Apply a batch of document operations",
		Long: `Apply a YAML batch of put, merge and remove operations.

Operations on the same identity run in file order; different identities
run concurrently.

Exit codes:
  0 - All operations succeeded
  1 - One or more operations failed
  2 - Command error (unreadable or invalid file)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)

			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read batch", err)
			}
			plan, err := ParseBatch(data)
			if err != nil {
				return invalidInput(f, err)
			}

			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				result, err := Apply(ctx, rt.Service, plan)
				if err != nil {
					return f.Fail("apply interrupted", err)
				}
				if err := f.Success(result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return &ExitError{
						Code:    ExitFailure,
						Message: fmt.Sprintf("%d operation(s) failed", result.Failed),
						Err:     errReported{fmt.Errorf("see results")},
					}
				}
				return nil
			})
		},
	}
}
