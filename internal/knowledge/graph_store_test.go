package knowledge

import "testing"

func TestSanitizePredicate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"has_option", "HAS_OPTION"},
		{"HAS_OPTION", "HAS_OPTION"},
		{"", "RELATED_TO"},
		{"builds upon", "BUILDS_UPON"},
		{"drop;table", "DROP_TABLE"},
	}
	for _, tt := range tests {
		if got := sanitizePredicate(tt.in); got != tt.want {
			t.Errorf("sanitizePredicate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
