package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateToPositional(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		query     string
		named     map[string]any
		style     PositionalStyle
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "question style",
			query:     "SELECT * FROM users WHERE id = :id AND status = :status",
			named:     map[string]any{"id": "u1", "status": "active"},
			style:     StyleQuestion,
			wantQuery: "SELECT * FROM users WHERE id = ? AND status = ?",
			wantArgs:  []any{"u1", "active"},
		},
		{
			name:      "dollar style",
			query:     "SELECT * FROM users WHERE id = :id AND status = :status",
			named:     map[string]any{"id": "u1", "status": "active"},
			style:     StyleDollar,
			wantQuery: "SELECT * FROM users WHERE id = $1 AND status = $2",
			wantArgs:  []any{"u1", "active"},
		},
		{
			name:      "repeated placeholder binds twice",
			query:     "SELECT * FROM logs WHERE actor = :id OR target = :id",
			named:     map[string]any{"id": "u1"},
			style:     StyleDollar,
			wantQuery: "SELECT * FROM logs WHERE actor = $1 OR target = $2",
			wantArgs:  []any{"u1", "u1"},
		},
		{
			name:      "no placeholders passes through",
			query:     "SELECT 1",
			named:     map[string]any{"id": "u1"},
			style:     StyleQuestion,
			wantQuery: "SELECT 1",
			wantArgs:  nil,
		},
		{
			name:      "unknown name left untouched",
			query:     "SELECT * FROM t WHERE a = :known AND b = :unknown",
			named:     map[string]any{"known": 1},
			style:     StyleQuestion,
			wantQuery: "SELECT * FROM t WHERE a = ? AND b = :unknown",
			wantArgs:  []any{1},
		},
		{
			name:      "empty named map passes through",
			query:     "SELECT * FROM t WHERE a = :a",
			named:     nil,
			style:     StyleQuestion,
			wantQuery: "SELECT * FROM t WHERE a = :a",
			wantArgs:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotQuery, gotArgs := TranslateToPositional(tt.query, tt.named, tt.style)
			assert.Equal(t, tt.wantQuery, gotQuery)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func TestDollarPlaceholderLargeIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "$9", dollarPlaceholder(9))
	assert.Equal(t, "$10", dollarPlaceholder(10))
	assert.Equal(t, "$42", dollarPlaceholder(42))
}
