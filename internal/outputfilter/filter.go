package outputfilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/rtxshell/schema"
)

// errorLinePattern flags a line as an error for the preservation
// override, mirroring the original's ERROR_PATTERNS list.
var errorLinePattern = regexp.MustCompile(`(?i)\b(error|errno|exception|traceback|failed|failure|fatal|panic|segfault|not found|permission denied|no such file)\b`)

// Result is the shaped excerpt handed back to the agent for a command,
// alongside whether the full buffer is still reachable via get_command_output.
type Result struct {
	Text      string
	Mode      schema.OutputMode
	Truncated bool
	HasErrors bool
	ErrorLine int // 1-based line number of the first matched error line, 0 if none
}

// Thresholds returns the per-class line budget a command gets before its
// output is summarised instead of shown in full.
func Thresholds(class schema.Class, cfg schema.Thresholds) int {
	switch class {
	case schema.ClassInstall:
		return cfg.Install
	case schema.ClassFileListing:
		return cfg.FileListing
	case schema.ClassLogSearch:
		return cfg.LogSearch
	default:
		return cfg.Generic
	}
}

// Apply shapes raw command output into the excerpt the agent sees,
// honouring the requested mode and the class threshold, with an
// error-preservation override: any output containing an error line is
// never summarised away (SPEC_FULL §4.2).
func Apply(command, output string, exitCode int, class schema.Class, mode schema.OutputMode, cfg schema.Thresholds) Result {
	lines := splitLines(output)
	errLine := firstErrorLine(lines)
	hasErrors := errLine > 0 || exitCode != 0

	if mode == schema.ModeRaw {
		return Result{Text: output, Mode: schema.ModeRaw, HasErrors: hasErrors, ErrorLine: errLine}
	}

	threshold := Thresholds(class, cfg)
	effectiveMode := mode
	if mode == schema.ModeAuto {
		effectiveMode = autoMode(class, len(lines), threshold, hasErrors)
	}

	switch effectiveMode {
	case schema.ModeFull:
		return Result{Text: output, Mode: schema.ModeFull, HasErrors: hasErrors, ErrorLine: errLine}
	case schema.ModeMinimal:
		return Result{Text: minimalExcerpt(lines, exitCode), Mode: schema.ModeMinimal, Truncated: len(lines) > 1, HasErrors: hasErrors, ErrorLine: errLine}
	case schema.ModePreview:
		text, truncated := preview(lines, threshold)
		return Result{Text: text, Mode: schema.ModePreview, Truncated: truncated, HasErrors: hasErrors, ErrorLine: errLine}
	case schema.ModeSummary:
		text, truncated := summarize(command, class, lines, threshold)
		return Result{Text: text, Mode: schema.ModeSummary, Truncated: truncated, HasErrors: hasErrors, ErrorLine: errLine}
	default:
		return Result{Text: output, Mode: schema.ModeFull, HasErrors: hasErrors, ErrorLine: errLine}
	}
}

// autoMode picks full/preview/summary given the class threshold, but
// defers to full whenever the output carries an error line, so a failing
// install never gets summarised out from under the agent. Only install
// gets the metadata-style summary treatment (spec §4.2); the other
// classes fall back to a head/tail preview once they cross threshold.
func autoMode(class schema.Class, lineCount, threshold int, hasErrors bool) schema.OutputMode {
	if hasErrors {
		return schema.ModeFull
	}
	if lineCount <= threshold {
		return schema.ModeFull
	}
	if class == schema.ClassInstall {
		return schema.ModeSummary
	}
	return schema.ModePreview
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func firstErrorLine(lines []string) int {
	for i, l := range lines {
		if errorLinePattern.MatchString(l) {
			return i + 1
		}
	}
	return 0
}

func minimalExcerpt(lines []string, exitCode int) string {
	if len(lines) == 0 {
		return fmt.Sprintf("(no output, exit %d)", exitCode)
	}
	return lines[len(lines)-1]
}

func preview(lines []string, threshold int) (string, bool) {
	if len(lines) <= threshold {
		return strings.Join(lines, "\n"), false
	}
	head := threshold * 2 / 3
	tail := threshold - head
	if head < 1 {
		head = 1
	}
	out := make([]string, 0, head+tail+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... [%d lines omitted] ...", len(lines)-head-tail))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n"), true
}

func summarize(command string, class schema.Class, lines []string, threshold int) (string, bool) {
	if len(lines) <= threshold {
		return strings.Join(lines, "\n"), false
	}
	switch class {
	case schema.ClassInstall:
		return summarizeInstall(command, lines), true
	case schema.ClassFileListing:
		return summarizeListing(command, lines), true
	case schema.ClassLogSearch:
		return summarizeMatches(lines, threshold), true
	default:
		text, truncated := preview(lines, threshold)
		if sub := SubClass(command); sub != "" {
			text = subClassHeader(sub) + text
		}
		return text, truncated
	}
}

// subClassHeader labels the excerpt with the generic command's sub-class
// (SPEC_FULL §4.2) so an agent skimming a trimmed system_info or network
// payload knows what kind of command produced it without re-reading the
// command text.
func subClassHeader(sub string) string {
	switch sub {
	case "system_info":
		return "[System Info]\n"
	case "network":
		return "[Network]\n"
	default:
		return ""
	}
}

// summarizeInstall mirrors the original's _filter_installation: a header
// naming the command and line count, then a head/tail excerpt, plus a
// one-line hint derived from whatever install-progress language is in
// the excerpt so the agent doesn't have to read 15 lines to learn the
// gist.
func summarizeInstall(command string, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Installation Output Summary]\nCommand: %s\nTotal lines: %d\n\n", command, len(lines))
	excerpt, _ := preview(lines, 30)
	b.WriteString(excerpt)
	if hint := installHint(lines); hint != "" {
		b.WriteString("\n\n")
		b.WriteString(hint)
	}
	return b.String()
}

var installHintPattern = regexp.MustCompile(`(?i)(setting up \S+|unpacking \S+|is already the newest version|\d+ newly installed|\d+ upgraded|\d+ reinstalled|\d+ removed|successfully installed \S+)`)

// installHint scans the tail of the output for package-manager progress
// lines (dpkg's "Setting up", apt's upgrade/install counts, pip's
// "Successfully installed") and surfaces the last one found as a short
// "installed" hint, grounded on the original's reliance on the excerpt
// alone to convey this.
func installHint(lines []string) string {
	var hint string
	for _, l := range lines {
		if m := installHintPattern.FindString(l); m != "" {
			hint = m
		}
	}
	if hint == "" {
		return ""
	}
	return "Hint: " + hint
}

// summarizeMatches keeps the first and last handful of matches plus a
// count, the shape log-search output (grep, journalctl) gets once it
// exceeds the threshold.
func summarizeMatches(lines []string, threshold int) string {
	keep := threshold / 2
	if keep < 3 {
		keep = 3
	}
	if len(lines) <= keep*2 {
		return strings.Join(lines, "\n")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matching lines total. First %d:\n", len(lines), keep)
	b.WriteString(strings.Join(lines[:keep], "\n"))
	b.WriteString("\n...\nLast ")
	fmt.Fprintf(&b, "%d:\n", keep)
	b.WriteString(strings.Join(lines[len(lines)-keep:], "\n"))
	return b.String()
}

// lsEntryPattern parses a long-listing (ls -l/-la) line into its
// permission bits, owner, size and name, grounded on the original's
// summarize_ls_output in utils.py.
var lsEntryPattern = regexp.MustCompile(`^([dlpscbD-][rwxsStT-]{9})\s+\d+\s+(\S+)\s+(\S+)\s+(\d+)\s+.+?\s(\S+)$`)

// summarizeListing reduces an `ls -l`/`ls -la` output to a directory/file
// count and a total byte size instead of enumerating every entry, the
// structured excerpt format SPEC_FULL §4.2 adds for file_listing.
func summarizeListing(command string, lines []string) string {
	if !strings.Contains(command, "-l") {
		return fmt.Sprintf("%d entries (use a narrower path or grep to inspect specific files)", len(lines))
	}
	var files, dirs int
	var totalBytes int64
	for _, line := range lines {
		m := lsEntryPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1][0] == 'd' {
			dirs++
			continue
		}
		files++
		if n, err := strconv.ParseInt(m[4], 10, 64); err == nil {
			totalBytes += n
		}
	}
	return fmt.Sprintf("%d files, %d directories, %s total", files, dirs, formatBytes(totalBytes))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), units[exp])
}
