package registry

import (
	"bytes"

	"pkt.systems/rtxshell/schema"
)

// outputBuffer is an append-only byte store for a single command's raw
// output, bounded the way the teacher's core.buffer trims scrollback: once
// the cap is hit, keep the earliest head lines and the most recent tail
// lines and drop the middle, rather than losing the command's invocation
// context just because it ran long.
type outputBuffer struct {
	head        []byte
	tail        []byte
	elided      int64
	truncated   bool
	maxBytes    int64
	headKeep    int
	tailKeep    int
	headLines   int
	totalLines  int
}

func newOutputBuffer(maxBytes int64, headKeep, tailKeep int) *outputBuffer {
	return &outputBuffer{maxBytes: maxBytes, headKeep: headKeep, tailKeep: tailKeep}
}

// Append adds chunk to the buffer. While under the cap everything lives in
// head; once the cap is exceeded, head is frozen at its first headKeep
// lines and every subsequent byte flows into a bounded tail ring.
func (b *outputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.totalLines += bytes.Count(chunk, []byte("\n"))

	if !b.truncated {
		b.head = append(b.head, chunk...)
		if int64(len(b.head)) <= b.maxBytes {
			return
		}
		b.truncated = true
		lines := bytes.SplitAfter(b.head, []byte("\n"))
		keep := b.headLinesFromLines(lines)
		var kept int
		for i, l := range lines {
			if i >= keep {
				break
			}
			kept += len(l)
		}
		b.elided += int64(len(b.head) - kept)
		b.tail = append([]byte(nil), b.head[kept:]...)
		b.head = append([]byte(nil), b.head[:kept]...)
		b.headLines = keep
		b.trimTail()
		return
	}

	b.tail = append(b.tail, chunk...)
	b.trimTail()
}

func (b *outputBuffer) headLinesFromLines(lines [][]byte) int {
	n := b.headKeep
	if n <= 0 {
		n = 30
	}
	if n > len(lines) {
		n = len(lines)
	}
	return n
}

// trimTail keeps only the last tailKeep lines of the tail portion,
// accumulating the dropped byte count into elided.
func (b *outputBuffer) trimTail() {
	tailKeep := b.tailKeep
	if tailKeep <= 0 {
		tailKeep = 20
	}
	lines := bytes.SplitAfter(b.tail, []byte("\n"))
	if len(lines) <= tailKeep {
		return
	}
	drop := len(lines) - tailKeep
	var dropped int
	for i := 0; i < drop; i++ {
		dropped += len(lines[i])
	}
	b.elided += int64(dropped)
	b.tail = bytes.Join(lines[drop:], nil)
}

// Bytes returns the visible buffer contents: the full stream if never
// truncated, otherwise head+tail with the elided middle omitted.
func (b *outputBuffer) Bytes() []byte {
	if !b.truncated {
		return append([]byte(nil), b.head...)
	}
	out := make([]byte, 0, len(b.head)+len(b.tail))
	out = append(out, b.head...)
	out = append(out, b.tail...)
	return out
}

// Info reports BufferInfo for the command record.
func (b *outputBuffer) Info() schema.BufferInfo {
	size := int64(len(b.head) + len(b.tail))
	return schema.BufferInfo{
		Size:        size,
		LineCount:   b.totalLines,
		Truncated:   b.truncated,
		ElidedBytes: b.elided,
	}
}
