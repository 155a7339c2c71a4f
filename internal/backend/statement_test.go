package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

func TestBuildInsert(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{
		Kind:  dbmodel.OpInsert,
		Table: "items",
		Data:  map[string]any{"id": "a", "label": "first"},
	}
	query, args, isRead, err := buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO items (id, label) VALUES (?, ?)", query)
	assert.Equal(t, []any{"a", "first"}, args)
	assert.False(t, isRead)

	query, args, _, err = buildStatement(op, StyleDollar)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO items (id, label) VALUES ($1, $2)", query)
	assert.Equal(t, []any{"a", "first"}, args)
}

func TestBuildUpdate(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{
		Kind:       dbmodel.OpUpdate,
		Table:      "items",
		Data:       map[string]any{"label": "renamed"},
		Conditions: map[string]any{"id": "a"},
	}
	query, args, isRead, err := buildStatement(op, StyleDollar)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE items SET label = $1 WHERE id = $2", query)
	assert.Equal(t, []any{"renamed", "a"}, args)
	assert.False(t, isRead)
}

func TestBuildDelete(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{
		Kind:       dbmodel.OpDelete,
		Table:      "items",
		Conditions: map[string]any{"id": "a", "tenant_id": "t1"},
	}
	query, args, _, err := buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM items WHERE id = ? AND tenant_id = ?", query)
	assert.Equal(t, []any{"a", "t1"}, args)
}

func TestBuildSelect(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{Kind: dbmodel.OpSelect, Table: "items"}
	query, args, isRead, err := buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM items", query)
	assert.Empty(t, args)
	assert.True(t, isRead)

	op.Conditions = map[string]any{"tenant_id": "t1"}
	query, args, _, err = buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM items WHERE tenant_id = ?", query)
	assert.Equal(t, []any{"t1"}, args)
}

func TestBuildRawWithNamedData(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{
		Kind:     dbmodel.OpRaw,
		Table:    "items",
		RawQuery: "UPDATE items SET label = :label WHERE id = :id",
		Data:     map[string]any{"label": "x", "id": "a"},
	}
	query, args, isRead, err := buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE items SET label = ? WHERE id = ?", query)
	assert.Equal(t, []any{"x", "a"}, args)
	assert.False(t, isRead)
}

func TestBuildRawPositionalPassthrough(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{
		Kind:     dbmodel.OpRaw,
		Table:    "items",
		RawQuery: "SELECT * FROM items WHERE id = ?",
		Params:   []any{"a"},
	}
	query, args, isRead, err := buildStatement(op, StyleQuestion)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM items WHERE id = ?", query)
	assert.Equal(t, []any{"a"}, args)
	assert.True(t, isRead)
}

func TestBuildStatementRejectsInvalidOperation(t *testing.T) {
	t.Parallel()

	op := dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items"}
	_, _, _, err := buildStatement(op, StyleQuestion)
	assert.Error(t, err)
}
