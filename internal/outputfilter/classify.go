// Package outputfilter classifies commands and shrinks their captured
// output for agent consumption, following
// _examples/original_source/src/output_filter.py's heuristics: a command
// is classified by its argv shape, each class gets its own line
// threshold, and anything classified as erroring is exempted from
// trimming so diagnostics are never lost.
package outputfilter

import (
	"regexp"
	"strings"

	"pkt.systems/rtxshell/schema"
)

// Classify assigns a command to one of the four classes spec §4.2
// defines, by matching its leading tokens the way the original's
// classify_command does.
func Classify(command string) schema.Class {
	trimmed := strings.TrimSpace(command)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return schema.ClassGeneric
	}
	head := fields[0]
	rest := strings.Join(fields[1:], " ")

	switch {
	case isInstall(head, rest):
		return schema.ClassInstall
	case isFileListing(head):
		return schema.ClassFileListing
	case isLogSearch(head, rest):
		return schema.ClassLogSearch
	default:
		return schema.ClassGeneric
	}
}

var installHeads = map[string]bool{
	"apt": true, "apt-get": true, "yum": true, "dnf": true, "pacman": true,
	"pip": true, "pip3": true, "npm": true, "yarn": true, "pnpm": true,
	"go": true, "cargo": true, "gem": true, "brew": true,
}

func isInstall(head, rest string) bool {
	if !installHeads[head] {
		return false
	}
	if head == "go" {
		return strings.HasPrefix(rest, "install") || strings.HasPrefix(rest, "get")
	}
	return strings.Contains(rest, "install") || strings.Contains(rest, "update") ||
		strings.Contains(rest, "upgrade") || strings.Contains(rest, "add")
}

var fileListingHeads = map[string]bool{
	"ls": true, "find": true, "tree": true, "dir": true,
}

func isFileListing(head string) bool {
	return fileListingHeads[head]
}

var logSearchHeads = map[string]bool{
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "ag": true,
	"journalctl": true, "awk": true, "sed": true,
}

func isLogSearch(head, rest string) bool {
	if logSearchHeads[head] {
		return true
	}
	return head == "cat" && strings.Contains(rest, ".log")
}

// SubClass further tags a Generic command as "system_info" or "network"
// for excerpt formatting purposes only; it never changes the line
// threshold (SPEC_FULL §4.2).
func SubClass(command string) string {
	trimmed := strings.TrimSpace(command)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "uname", "uptime", "df", "free", "lscpu", "lsb_release", "hostnamectl":
		return "system_info"
	case "ip", "ifconfig", "ping", "curl", "wget", "netstat", "ss", "dig", "nslookup":
		return "network"
	}
	return ""
}

// exitMarkerPattern matches the injected exit-code sentinel and captures
// the exit code and salt, letting the caller strip it from visible output
// while still recovering the real status (SPEC_FULL §4.4).
var exitMarkerPattern = regexp.MustCompile(`__RTX__:([0-9a-f]+):(-?\d+)__END__`)

// ExitMarker builds the marker command suffix appended to every executed
// command, letting the shell session capture $? without a separate round
// trip.
func ExitMarker(salt string) string {
	return "; printf '\\n__RTX__:" + salt + ":$?__END__\\n'"
}

// ExtractExitCode finds and strips the marker for salt from output,
// returning the visible text and the parsed exit code. ok is false if the
// marker hasn't arrived yet (command still running or output truncated
// before the marker).
func ExtractExitCode(output, salt string) (visible string, code int, ok bool) {
	loc := exitMarkerPattern.FindStringSubmatchIndex(output)
	if loc == nil {
		return output, 0, false
	}
	matchedSalt := output[loc[2]:loc[3]]
	if matchedSalt != salt {
		return output, 0, false
	}
	codeStr := output[loc[4]:loc[5]]
	n := 0
	neg := false
	for i, r := range codeStr {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	visible = output[:loc[0]]
	visible = strings.TrimSuffix(visible, "\n")
	return visible, n, true
}
