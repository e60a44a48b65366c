// Package promptdetect recognises the shell prompt in a streaming
// suffix of recent bytes so the orchestrator can tell when a command has
// finished. It is a Go rendering of
// _examples/original_source/src/prompt_detector.py's PromptDetector,
// reshaped into the pull-based, stateful contract spec §4.1 describes:
// feed/is_at_prompt/reset, with quiescence measured by a caller-supplied
// clock rather than an owned goroutine timer, so it stays deterministic
// under test.
package promptdetect

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"pkt.systems/rtxshell/internal/ansiclean"
)

const maxWindow = 4096

// PagerAction is the response the shell should take when the detector
// finds a pager waiting for input instead of a fresh prompt.
type PagerAction string

const (
	PagerNone     PagerAction = ""
	PagerContinue PagerAction = "continue" // send a space
	PagerQuit     PagerAction = "quit"     // send 'q'
)

// PromptChangingCommand re-learns the prompt signature after a command
// that is known to change it (sudo -i, su -, ssh ...).
type PromptChangingCommand struct {
	Prefix        string
	NewPattern    *regexp.Regexp
	Description   string
}

// Poll is the outcome of checking the current window against the
// signature at a point in time.
type Poll struct {
	Boundary         bool
	Suspicious       bool // tail matches but has trailing text; needs verification
	AwaitingPassword bool
	Pager            PagerAction
}

// Detector is safe for concurrent use: the orchestrator's producer,
// ticker, and request goroutines all reach into it (Feed from the pump
// loop, Poll from the same loop's tick, Reset/SetSignature/
// ChangingCommandFor from execute()), so every exported method takes
// mu (spec §5).
type Detector struct {
	mu        sync.Mutex
	window    []byte
	signature *regexp.Regexp
	grace     time.Duration
	armed     bool
	armedAt   time.Time
	changing  []PromptChangingCommand
}

// New constructs a Detector for the given prompt signature and grace
// period (spec default 300ms).
func New(signature *regexp.Regexp, grace time.Duration) *Detector {
	if grace <= 0 {
		grace = 300 * time.Millisecond
	}
	return &Detector{signature: signature, grace: grace}
}

// SetChangingCommands installs the prompt-changing command table.
func (d *Detector) SetChangingCommands(cmds []PromptChangingCommand) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changing = cmds
}

// SetSignature replaces the prompt signature, used after a
// prompt-changing command re-learns it.
func (d *Detector) SetSignature(sig *regexp.Regexp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signature = sig
	d.armed = false
}

// ChangingCommandFor returns the new signature a command should switch
// to after it runs, or nil if the command doesn't change the prompt.
func (d *Detector) ChangingCommandFor(command string) *regexp.Regexp {
	d.mu.Lock()
	defer d.mu.Unlock()
	trimmed := strings.TrimSpace(command)
	for _, c := range d.changing {
		if strings.HasPrefix(trimmed, c.Prefix) {
			return c.NewPattern
		}
	}
	return nil
}

// IsBackground reports whether a command is backgrounded with a trailing
// '&', in which case the orchestrator must not wait for a boundary.
func IsBackground(command string) bool {
	return backgroundPattern.MatchString(strings.TrimSpace(command))
}

var backgroundPattern = regexp.MustCompile(`&\s*$`)

// Feed appends bytes read from the shell to the rolling window, capping
// it at a few KiB (spec §4.1).
func (d *Detector) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = append(d.window, chunk...)
	if len(d.window) > maxWindow {
		d.window = d.window[len(d.window)-maxWindow:]
	}
}

// Reset clears armed state after a boundary is committed by the caller.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
	d.window = d.window[:0]
}

// Poll checks the current window against the signature at time now.
// Callers should invoke Poll after every Feed, and again periodically
// while idle (e.g. from a ticker) so quiescence can be observed even
// when no new bytes arrive.
func (d *Detector) Poll(now time.Time) Poll {
	d.mu.Lock()
	defer d.mu.Unlock()
	tail := ansiclean.StripTail(string(d.window))

	if pager, ok := d.detectPager(tail); ok {
		d.armed = false
		return Poll{Pager: pager}
	}
	if isPasswordPrompt(tail) {
		d.armed = false
		return Poll{AwaitingPassword: true}
	}
	if d.signature == nil {
		d.armed = false
		return Poll{}
	}

	kind := classifyTail(d.signature, tail)
	switch kind {
	case matchNone:
		d.armed = false
		return Poll{}
	case matchSuspicious:
		d.armed = false
		return Poll{Suspicious: true}
	case matchClean:
		if !d.armed {
			d.armed = true
			d.armedAt = now
			return Poll{}
		}
		if now.Sub(d.armedAt) >= d.grace {
			return Poll{Boundary: true}
		}
		return Poll{}
	default:
		return Poll{}
	}
}

type matchKind int

const (
	matchNone matchKind = iota
	matchClean
	matchSuspicious
)

// classifyTail mirrors detect_prompt_in_line's four cases: no match,
// clean prompt (nothing meaningful before/after), suspicious text after
// the match, or suspicious text before it.
func classifyTail(sig *regexp.Regexp, tail string) matchKind {
	loc := sig.FindStringIndex(tail)
	if loc == nil {
		return matchNone
	}
	before := tail[:loc[0]]
	after := tail[loc[1]:]
	if strings.TrimSpace(after) == "" {
		// Text before the prompt without trailing newline separation is
		// suspicious only if it looks like leftover command output glued
		// to the prompt on the same line; a preceding newline means the
		// prompt legitimately starts a fresh line.
		if strings.TrimSpace(before) != "" && !strings.HasSuffix(before, "\n") {
			return matchSuspicious
		}
		return matchClean
	}
	return matchSuspicious
}

func isPasswordPrompt(tail string) bool {
	lower := strings.ToLower(lastNonEmptyLine(tail))
	return strings.Contains(lower, "[sudo] password") || strings.HasSuffix(strings.TrimSpace(lower), "password:")
}

var pagerPatterns = []struct {
	re     *regexp.Regexp
	action PagerAction
}{
	{regexp.MustCompile(`\(END\)\s*$`), PagerQuit},
	{regexp.MustCompile(`(?i)lines\s+\d+-\d+`), PagerContinue},
	{regexp.MustCompile(`--More--`), PagerContinue},
	{regexp.MustCompile(`^:\s*$`), PagerContinue},
}

func (d *Detector) detectPager(tail string) (PagerAction, bool) {
	line := lastNonEmptyLine(tail)
	lower := strings.ToLower(line)
	if strings.Contains(lower, "password") || strings.Contains(line, "@") {
		return PagerNone, false
	}
	for _, p := range pagerPatterns {
		if p.re.MatchString(line) {
			return p.action, true
		}
	}
	return PagerNone, false
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// LearnSignature builds a regexp signature from the idle terminal's last
// line the way spec §4.1 describes: issue a marker command, capture the
// line between the marker echo and the next prompt, and anchor a pattern
// on it. Special regex characters in the literal prompt text are
// escaped so the signature matches the prompt verbatim, plus a trailing
// optional space.
func LearnSignature(idleLine string) *regexp.Regexp {
	clean := strings.TrimRight(ansiclean.Strip(idleLine), " \t")
	if clean == "" {
		return regexp.MustCompile(`[$#>]\s*$`)
	}
	return regexp.MustCompile(regexp.QuoteMeta(clean) + `\s*$`)
}
