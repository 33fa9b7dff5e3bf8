package logutil

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain-id", "plain-id"},
		{"evil\ninjected", "evil injected"},
		{"tab\there", "tab here"},
		{"cr\rhere", "cr here"},
		{"del\x7fchar", "del char"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
