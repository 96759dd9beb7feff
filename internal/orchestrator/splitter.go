package orchestrator

import "strings"

// Splitter defaults. Primary breaks fire slightly below MinChunk so a
// sentence end sitting just under the minimum is not dragged into the next
// chunk; the slack value is tunable in spirit but fixed here.
const (
	defaultMinChunk = 15
	defaultMaxChunk = 80

	primaryBreakSlack = 5
)

// Splitter cuts streamed LLM text into sentence-sized chunks for synthesis.
// It is a pure accumulator: Push appends text and returns every chunk that
// became complete, Flush drains the remainder at stream end.
//
// Flush policy, checked in order on every Push:
//
//   - A sentence end (. ! ?) flushes once the chunk reaches
//     MinChunk-primaryBreakSlack runes.
//   - A clause break (; : newline) flushes at MinChunk runes, but only while
//     the buffer holds no sentence end at all. Commas never break, so
//     figures like "100,000" stay intact.
//   - A buffer past MaxChunk with no break flushes at the last space inside
//     the limit, or hard-cuts at the limit when it has none.
//
// Returned chunks are whitespace-trimmed; their concatenation equals the
// pushed text up to whitespace normalization.
//
// A Splitter is not safe for concurrent use. One per model stream.
type Splitter struct {
	minChunk int
	maxChunk int
	buf      []rune
}

// NewSplitter returns a Splitter with the given bounds. Values < 1 fall back
// to the defaults.
func NewSplitter(minChunk, maxChunk int) *Splitter {
	if minChunk < 1 {
		minChunk = defaultMinChunk
	}
	if maxChunk < minChunk {
		maxChunk = defaultMaxChunk
	}
	return &Splitter{minChunk: minChunk, maxChunk: maxChunk}
}

// Push appends text to the buffer and returns the chunks that became
// complete, in order. Chunks that trim to nothing are consumed silently.
func (s *Splitter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(text)...)

	var out []string
	for {
		chunkEnd, restStart, ok := s.scan()
		if !ok {
			return out
		}
		chunk := strings.TrimSpace(string(s.buf[:chunkEnd]))
		s.buf = s.buf[restStart:]
		if chunk != "" {
			out = append(out, chunk)
		}
	}
}

// Flush returns whatever remains, trimmed, and resets the buffer.
func (s *Splitter) Flush() string {
	out := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	return out
}

// scan locates the next cut. chunkEnd is the rune index the chunk runs to,
// restStart where the buffer resumes; they differ only for forced cuts at a
// space, which the cut swallows.
func (s *Splitter) scan() (chunkEnd, restStart int, ok bool) {
	primaryMin := s.minChunk - primaryBreakSlack
	if primaryMin < 1 {
		primaryMin = 1
	}

	hasPrimary := false
	for i, r := range s.buf {
		if !isSentenceEnd(r) {
			continue
		}
		hasPrimary = true
		if i+1 >= primaryMin {
			return i + 1, i + 1, true
		}
	}

	// Clause breaks only serve buffers with no sentence end anywhere; a
	// late period must win over an early colon.
	if !hasPrimary {
		for i, r := range s.buf {
			if isClauseBreak(r) && i+1 >= s.minChunk {
				return i + 1, i + 1, true
			}
		}
	}

	if len(s.buf) > s.maxChunk {
		for i := s.maxChunk; i > 0; i-- {
			if s.buf[i] == ' ' {
				return i, i + 1, true
			}
		}
		return s.maxChunk, s.maxChunk, true
	}

	return 0, 0, false
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClauseBreak(r rune) bool {
	return r == ';' || r == ':' || r == '\n'
}
