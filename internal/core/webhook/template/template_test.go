package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func props() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id": float64(1),
			"profile": map[string]any{
				"name":   "John Doe",
				"emails": []any{"john@example.com"},
			},
		},
		"items": []any{
			map[string]any{"id": "a", "values": []any{10, 20}},
			map[string]any{"id": "b"},
		},
		"deeply": map[string]any{
			"nested": map[string]any{
				"arrays": []any{
					[]any{1, 2},
					[]any{3, 4},
				},
			},
		},
		"__proto__": map[string]any{"polluted": "yes"},
	}
}

func TestResolvePath(t *testing.T) {
	p := props()
	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"user.id", float64(1), true},
		{"user.profile.name", "John Doe", true},
		{"user.profile.emails[0]", "john@example.com", true},
		{"items[1].id", "b", true},
		{"items[0].values[1]", 20, true},
		{"deeply.nested.arrays[1][0]", 3, true},
		{"nonexistent.path", nil, false},
		{"__proto__.polluted", nil, false},
	}
	for _, c := range cases {
		got, ok := ResolvePath(c.path, p)
		require.Equal(t, c.ok, ok, c.path)
		if c.ok {
			require.Equal(t, c.want, got, c.path)
		}
	}
}

func TestSubstitute_PathAndInput(t *testing.T) {
	p := props()
	out := Substitute(`{"n":"{{user.profile.name}}","x":"[[input1]]"}`, p, []string{"hello"})
	require.Equal(t, `{"n":"John Doe","x":"hello"}`, out)
}

func TestSubstitute_UnresolvedBecomesEmpty(t *testing.T) {
	out := Substitute(`v={{nope.nope}}`, map[string]any{}, nil)
	require.Equal(t, "v=", out)
}
