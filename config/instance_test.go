package config

import "testing"

func TestSanitizeInstanceID(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  string
	}{
		{"feature-x", "feature-x"},
		{"Feature X", "feature-x"},
		{"feat/login--page", "feat-login-page"},
		{"--edge--", "edge"},
		{"a_very_long_branch_name_indeed_yes", "a-very-long-branch-name-indeed"},
		{"", ""},
	} {
		if want, have := tc.want, SanitizeInstanceID(tc.input); want != have {
			t.Errorf("SanitizeInstanceID(%q): want %q, have %q", tc.input, want, have)
		}
	}
}

func TestPortOffset(t *testing.T) {
	for input, want := range map[string]int{
		"":           0,
		"a":          98,
		"main":       149,
		"feature-x":  661,
		"feat-login": 510,
	} {
		if have := PortOffset(input); want != have {
			t.Errorf("PortOffset(%q): want %d, have %d", input, want, have)
		}
	}
}

func TestWorktreeName(t *testing.T) {
	for input, want := range map[string]string{
		"/src/myapp/.git/worktrees/feature-x": "feature-x",
		"/src/myapp/.git":                     "",
		".git":                                "",
	} {
		if have := worktreeName(input); want != have {
			t.Errorf("worktreeName(%q): want %q, have %q", input, want, have)
		}
	}
}
