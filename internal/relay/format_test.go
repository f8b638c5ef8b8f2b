package relay

import "testing"

func TestFormatReply(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\nworld", "hello\nworld"},
		{"trims", "\n\n  hi  \n\n", "hi"},
		{"collapses blank runs", "a\n\n\n\nb\n \n\nc", "a\n\nb\n\nc"},
		{
			"two column table",
			"Options:\n| Name | Value |\n|---|---|\n| **alpha** | 1 |\n| beta | 2 |\nend",
			"Options:\n• alpha: 1\n• beta: 2\nend",
		},
		{
			"wide table uses headers",
			"| Item | Owner | Due |\n| :--- | :---: | ---: |\n| docs | ann | fri |",
			"• docs (Owner: ann; Due: fri)",
		},
		{"single pipe row kept", "| not a table |", "| not a table |"},
		{"windows newlines", "a\r\n\r\n\r\nb", "a\n\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatReply(tc.in); got != tc.want {
				t.Errorf("FormatReply(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
