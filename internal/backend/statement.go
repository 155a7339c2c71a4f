package backend

import (
	"sort"
	"strings"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// buildStatement renders an Operation into a backend-native query string
// plus positional args, and reports whether the statement is a read (so
// callers know to use Query rather than Exec). Operations carrying a
// RawQuery bypass composition entirely: the raw text is translated from
// canonical ":name" placeholders and returned as-is.
func buildStatement(op dbmodel.Operation, style PositionalStyle) (string, []any, bool, error) {
	if err := op.Validate(); err != nil {
		return "", nil, false, err
	}

	if op.RawQuery != "" {
		named := make(map[string]any, len(op.Params))
		// Positional params on a raw query pass straight through.
		if len(op.Params) > 0 && !strings.Contains(op.RawQuery, ":") {
			return op.RawQuery, op.Params, isSelectLike(op.RawQuery), nil
		}
		if data, ok := anySliceToNamed(op.Params); ok {
			named = data
		}
		for k, v := range op.Data {
			named[k] = v
		}
		q, args := TranslateToPositional(op.RawQuery, named, style)
		if args == nil {
			args = op.Params
		}
		return q, args, isSelectLike(op.RawQuery), nil
	}

	switch op.Kind {
	case dbmodel.OpInsert:
		return buildInsert(op, style)
	case dbmodel.OpUpdate:
		return buildUpdate(op, style)
	case dbmodel.OpDelete:
		return buildDelete(op, style)
	case dbmodel.OpSelect:
		return buildSelect(op, style)
	default:
		return "", nil, false, nil
	}
}

func isSelectLike(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

// anySliceToNamed is a best-effort adapter for callers that pass named
// params as a []any of alternating key/value (rare); it never errors,
// returning ok=false when the shape doesn't match so callers fall back to
// positional semantics.
func anySliceToNamed(params []any) (map[string]any, bool) {
	if len(params) == 0 || len(params)%2 != 0 {
		return nil, false
	}
	out := make(map[string]any, len(params)/2)
	for i := 0; i < len(params); i += 2 {
		key, ok := params[i].(string)
		if !ok {
			return nil, false
		}
		out[key] = params[i+1]
	}
	return out, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholder(style PositionalStyle, n int) string {
	if style == StyleDollar {
		return dollarPlaceholder(n)
	}
	return "?"
}

func buildInsert(op dbmodel.Operation, style PositionalStyle) (string, []any, bool, error) {
	keys := sortedKeys(op.Data)
	cols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = k
		placeholders[i] = placeholder(style, i+1)
		args[i] = op.Data[k]
	}
	q := "INSERT INTO " + op.Table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	return q, args, false, nil
}

func buildUpdate(op dbmodel.Operation, style PositionalStyle) (string, []any, bool, error) {
	dataKeys := sortedKeys(op.Data)
	setClauses := make([]string, len(dataKeys))
	args := make([]any, 0, len(dataKeys)+len(op.Conditions))
	n := 0
	for _, k := range dataKeys {
		n++
		setClauses[n-1] = k + " = " + placeholder(style, n)
		args = append(args, op.Data[k])
	}
	q := "UPDATE " + op.Table + " SET " + strings.Join(setClauses, ", ")
	whereClause, whereArgs := buildWhere(op.Conditions, style, &n)
	if whereClause != "" {
		q += " WHERE " + whereClause
		args = append(args, whereArgs...)
	}
	return q, args, false, nil
}

func buildDelete(op dbmodel.Operation, style PositionalStyle) (string, []any, bool, error) {
	n := 0
	whereClause, args := buildWhere(op.Conditions, style, &n)
	q := "DELETE FROM " + op.Table
	if whereClause != "" {
		q += " WHERE " + whereClause
	}
	return q, args, false, nil
}

func buildSelect(op dbmodel.Operation, style PositionalStyle) (string, []any, bool, error) {
	n := 0
	whereClause, args := buildWhere(op.Conditions, style, &n)
	q := "SELECT * FROM " + op.Table
	if whereClause != "" {
		q += " WHERE " + whereClause
	}
	return q, args, true, nil
}

func buildWhere(conditions map[string]any, style PositionalStyle, n *int) (string, []any) {
	if len(conditions) == 0 {
		return "", nil
	}
	keys := sortedKeys(conditions)
	clauses := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		*n++
		clauses[i] = k + " = " + placeholder(style, *n)
		args[i] = conditions[k]
	}
	return strings.Join(clauses, " AND "), args
}
