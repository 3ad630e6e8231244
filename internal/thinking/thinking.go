// Package thinking separates inline <think>...</think> reasoning from the
// visible answer for backends that do not expose a dedicated channel.
package thinking

import "strings"

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

// Result is a content/thinking pair.
type Result struct {
	Content  string `json:"content"`
	Thinking string `json:"thinking"`
}

// Split moves every tagged section of r.Content into r.Thinking. An unclosed
// <think> keeps everything after it as still-open thinking text. Removing a
// section can join the text around it into a new tag, so splitting repeats
// until no open tag is left in the content. When r.Thinking is already
// populated the channel is considered in use and r is returned as is, which
// makes Split(Split(x)) == Split(x).
func Split(r Result) Result {
	if r.Thinking != "" {
		return r
	}
	for strings.Contains(r.Content, OpenTag) {
		s := NewSplitter()
		content, thinking := s.Feed(r.Content)
		c, t := s.Flush()
		r = Result{Content: content + c, Thinking: r.Thinking + thinking + t}
	}
	return r
}

// Splitter is the incremental form of Split. It tolerates tags that are cut
// across two deltas by holding back any suffix that could still become a tag.
type Splitter struct {
	inside  bool
	pending string
}

func NewSplitter() *Splitter {
	return &Splitter{}
}

// Inside reports whether the splitter is currently within a thinking section.
func (s *Splitter) Inside() bool {
	return s.inside
}

// Feed consumes one delta and returns the parts that belong to content and
// to thinking.
func (s *Splitter) Feed(delta string) (content, thinking string) {
	text := s.pending + delta
	s.pending = ""

	var cb, tb strings.Builder
	for text != "" {
		tag := OpenTag
		out := &cb
		if s.inside {
			tag = CloseTag
			out = &tb
		}

		if i := strings.Index(text, tag); i >= 0 {
			out.WriteString(text[:i])
			text = text[i+len(tag):]
			s.inside = !s.inside
			continue
		}

		keep := partialSuffix(text, tag)
		out.WriteString(text[:len(text)-keep])
		s.pending = text[len(text)-keep:]
		break
	}
	return cb.String(), tb.String()
}

// Flush releases any held-back text to the channel it was headed for.
func (s *Splitter) Flush() (content, thinking string) {
	rest := s.pending
	s.pending = ""
	if s.inside {
		return "", rest
	}
	return rest, ""
}

// partialSuffix returns the length of the longest proper prefix of tag that
// text ends with.
func partialSuffix(text, tag string) int {
	limit := min(len(tag)-1, len(text))
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(text, tag[:n]) {
			return n
		}
	}
	return 0
}
