package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/custodian/internal/entity"
)

// DocumentView is a document as printed by the CLI.
type DocumentView struct {
	ID       string          `json:"id"`
	Present  bool            `json:"present"`
	Document entity.Document `json:"document,omitempty"`
}

func (v DocumentView) String() string {
	if !v.Present {
		return v.ID + " absent"
	}
	return v.ID + " " + renderDocument(v.Document)
}

func renderDocument(doc entity.Document) string {
	if doc == nil {
		doc = entity.Document{}
	}
	data, err := entity.MarshalCanonical(doc)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// parseID parses a UUID argument. With allowNew, "new" creates a UUIDv7.
func parseID(arg string, allowNew bool) (uuid.UUID, error) {
	if allowNew && arg == "new" {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate id: %w", err)
		}
		return id, nil
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", arg, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: nil UUID", arg)
	}
	return id, nil
}

// readDocument parses a JSON object argument; "-" reads it from in.
func readDocument(arg string, in io.Reader) (entity.Document, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("document is empty")
	}
	doc, err := entity.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("invalid document: expected a JSON object")
	}
	return doc, nil
}

func invalidInput(f *OutputFormatter, err error) error {
	if f.Format == "json" {
		_ = f.Error(CodeInvalidInput, err.Error(), nil)
		return &ExitError{Code: ExitCommandError, Message: "invalid input", Err: errReported{err}}
	}
	return WrapExitError(ExitCommandError, "invalid input", err)
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <id|new> <json|->",
		Short: "Store a document",
		Long: `Store a document under an identity, replacing any previous version.

Use "new" as the identity to create a document under a fresh UUIDv7, and
"-" to read the document from stdin.

Examples:
  custodian put new '{"title":"dune","pages":412}'
  custodian put 0190a8c4-5f7e-7a3b-9c1d-2e4f6a8b0c1d - < dune.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			id, err := parseID(args[0], true)
			if err != nil {
				return invalidInput(f, err)
			}
			doc, err := readDocument(args[1], cmd.InOrStdin())
			if err != nil {
				return invalidInput(f, err)
			}
			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				stored, err := rt.Service.Put(ctx, id, doc)
				if err != nil {
					return f.Fail("put failed", err)
				}
				return f.Success(DocumentView{ID: id.String(), Present: true, Document: stored})
			})
		},
	}
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <id> <json|->",
		Short: "Merge fields into a document",
		Long: `Merge top-level fields into a document. A null field removes it.
Merging into an identity with no document creates one.

Example:
  custodian merge 0190a8c4-5f7e-7a3b-9c1d-2e4f6a8b0c1d '{"pages":null,"read":true}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			id, err := parseID(args[0], false)
			if err != nil {
				return invalidInput(f, err)
			}
			fields, err := readDocument(args[1], cmd.InOrStdin())
			if err != nil {
				return invalidInput(f, err)
			}
			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				merged, err := rt.Service.Merge(ctx, id, fields)
				if err != nil {
					return f.Fail("merge failed", err)
				}
				return f.Success(DocumentView{ID: id.String(), Present: true, Document: merged})
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a document",
		Long: `Print the document stored under an identity.

Exit codes:
  0 - Document found
  1 - No document under the identity
  2 - Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			id, err := parseID(args[0], false)
			if err != nil {
				return invalidInput(f, err)
			}
			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				doc, present, err := rt.Service.Get(ctx, id)
				if err != nil {
					return f.Fail("get failed", err)
				}
				if err := f.Success(DocumentView{ID: id.String(), Present: present, Document: doc}); err != nil {
					return err
				}
				if !present {
					return &ExitError{Code: ExitFailure, Message: "document not found", Err: errReported{fmt.Errorf("%s", id)}}
				}
				return nil
			})
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a document",
		Long:    `Remove the document stored under an identity and print it as it was.`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			id, err := parseID(args[0], false)
			if err != nil {
				return invalidInput(f, err)
			}
			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				removed, err := rt.Service.Remove(ctx, id)
				if err != nil {
					return f.Fail("remove failed", err)
				}
				return f.Success(DocumentView{ID: id.String(), Present: true, Document: removed})
			})
		},
	}
}

// ListResult is the output of the list command.
type ListResult struct {
	Documents []DocumentView `json:"documents"`
}

func (r ListResult) String() string {
	if len(r.Documents) == 0 {
		return "No documents."
	}
	lines := make([]string, len(r.Documents))
	for i, d := range r.Documents {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all documents ordered by identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			return withRuntime(rootOpts, cmd, func(ctx context.Context, rt *Runtime) error {
				ids, docs, err := rt.Service.List(ctx)
				if err != nil {
					return f.Fail("list failed", err)
				}
				out := ListResult{Documents: make([]DocumentView, len(ids))}
				for i := range ids {
					out.Documents[i] = DocumentView{ID: ids[i].String(), Present: true, Document: docs[i]}
				}
				return f.Success(out)
			})
		},
	}
}
