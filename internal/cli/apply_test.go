package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/service"
	"github.com/roach88/custodian/internal/store"
)

const batchYAML = `
operations:
  - id: 00000000-0000-0000-0000-000000000001
    put: { title: dune, pages: 412 }
  - id: 00000000-0000-0000-0000-000000000002
    put: { title: emma }
  - id: 00000000-0000-0000-0000-000000000001
    merge: { pages: null, read: true }
  - id: 00000000-0000-0000-0000-000000000002
    remove: true
  - id: 00000000-0000-0000-0000-000000000003
    remove: true
`

func TestParseBatch(t *testing.T) {
	plan, err := ParseBatch([]byte(batchYAML))
	require.NoError(t, err)
	require.Len(t, plan, 5)
	assert.Equal(t, "put", plan[0].verb)
	assert.Equal(t, "merge", plan[2].verb)
	assert.Equal(t, "remove", plan[4].verb)
	assert.Equal(t, entity.Null{}, plan[2].doc["pages"])
}

func TestParseBatch_NewIDsAreDistinct(t *testing.T) {
	plan, err := ParseBatch([]byte("operations:\n  - id: new\n    put: {}\n  - id: new\n    put: {}\n"))
	require.NoError(t, err)
	assert.NotEqual(t, plan[0].id, plan[1].id)
}

func TestParseBatch_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"empty", "operations: []\n", "operations list is required"},
		{"unknown field", "operation:\n  - id: new\n", "failed to parse YAML"},
		{"no verb", "operations:\n  - id: new\n", "operations[0]: exactly one of"},
		{"two verbs", "operations:\n  - id: new\n    put: {}\n    remove: true\n", "exactly one of"},
		{"bad id", "operations:\n  - id: nope\n    remove: true\n", `invalid id "nope"`},
		{"float", "operations:\n  - id: new\n    put: { x: 0.5 }\n", "floats are not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBatch([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApply_OrdersPerIdentity(t *testing.T) {
	plan, err := ParseBatch([]byte(batchYAML))
	require.NoError(t, err)

	svc := service.New(context.Background(), store.NewMemory(),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	result, err := Apply(context.Background(), svc, plan)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	r := result.Results
	assert.Equal(t, entity.NewDocument(
		entity.F("read", entity.Bool(true)),
		entity.F("title", entity.String("dune")),
	), r[2].Document)
	assert.Equal(t, entity.NewDocument(entity.F("title", entity.String("emma"))), r[3].Document)
	assert.False(t, r[4].OK)
	assert.Contains(t, r[4].Error, "entity has no persisted version")
}

func TestApplyCommand(t *testing.T) {
	useSQLite(t)
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(batchYAML), 0644))

	out, err := execute(t, "apply", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, Reported(err))
	assert.Contains(t, out, "✓ #0 put 00000000-0000-0000-0000-000000000001")
	assert.Contains(t, out, "✗ #4 remove 00000000-0000-0000-0000-000000000003")
	assert.Contains(t, out, "4 succeeded, 1 failed")

	out, err = execute(t, "get", "00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	assert.Contains(t, out, `{"read":true,"title":"dune"}`)
}

func TestApplyCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "apply", "/nonexistent/batch.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
