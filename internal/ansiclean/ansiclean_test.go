package ansiclean

import "testing"

func TestStripRemovesCSI(t *testing.T) {
	in := "\x1b[1;32muser@host\x1b[0m:~$ "
	got := Strip(in)
	if got != "user@host:~$ " {
		t.Fatalf("got %q", got)
	}
}

func TestStripNormalizesNewlines(t *testing.T) {
	in := "line1\r\nline2\rline3"
	got := Strip(in)
	if got != "line1\nline2\nline3" {
		t.Fatalf("got %q", got)
	}
}

func TestCollapseBackspaces(t *testing.T) {
	in := "abcx\bdef"
	got := Strip(in)
	if got != "abcdef" {
		t.Fatalf("got %q", got)
	}
}

func TestStripTailTrimsIncompleteEscape(t *testing.T) {
	in := "user@host:~$ \x1b[1"
	got := StripTail(in)
	if got != "user@host:~$ " {
		t.Fatalf("got %q", got)
	}
}
