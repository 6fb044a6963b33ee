package dispatch

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const paragraphSep = "\n\n"

// Split breaks text into chunks of at most limit runes. It cuts on paragraph
// boundaries and only splits inside a paragraph that alone exceeds limit.
// Joining the chunks with a blank line restores text unless a paragraph had
// to be split.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		cur    []string
		size   int
	)
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, paragraphSep))
			cur, size = nil, 0
		}
	}

	for _, para := range strings.Split(text, paragraphSep) {
		n := utf8.RuneCountInString(para)
		if n > limit {
			flush()
			chunks = append(chunks, hardSplit(para, limit)...)
			continue
		}
		if len(cur) > 0 && size+len(paragraphSep)+n > limit {
			flush()
		}
		if len(cur) > 0 {
			size += len(paragraphSep)
		}
		cur = append(cur, para)
		size += n
	}
	flush()
	return chunks
}

// hardSplit cuts one MarkdownV2 paragraph that is longer than limit. A cut
// prefers the last newline, then the last space, in the second half of the
// window. It never lands after an escaping backslash, between the runes of a
// doubled marker or inside a link. Entities still open at a cut are closed
// there and reopened at the start of the next chunk.
func hardSplit(s string, limit int) []string {
	rs := []rune(s)
	var (
		parts []string
		open  []string
	)
	for len(rs) > 0 {
		prefix := strings.Join(open, "")
		budget := max(limit-utf8.RuneCountInString(prefix), 1)
		if len(rs) <= budget {
			parts = append(parts, prefix+string(rs))
			break
		}

		var (
			cut, skip int
			stack     []string
		)
		for {
			cut, skip = cutPoint(rs, budget)
			stack = openEntities(open, rs[:cut])
			closing := len(closers(stack))
			if cut+closing <= budget || budget == 1 {
				break
			}
			budget = max(budget-closing, 1)
		}

		parts = append(parts, prefix+string(rs[:cut])+closers(stack))
		rs = rs[cut+skip:]
		open = stack
	}
	return parts
}

// cutPoint picks where to end a chunk of at most budget runes. skip is 1
// when the cut consumes a whitespace rune.
func cutPoint(rs []rune, budget int) (cut, skip int) {
	cut = budget
	if start := openLink(rs[:cut]); start > 0 {
		cut = start
	}
	if i := lastBreak(rs[:cut], func(r rune) bool { return r == '\n' }); i > 0 {
		return i, 1
	}
	if i := lastBreak(rs[:cut], unicode.IsSpace); i > 0 {
		return i, 1
	}
	for cut > 1 && !safeCut(rs, cut) {
		cut--
	}
	return cut, 0
}

func lastBreak(rs []rune, isBreak func(rune) bool) int {
	for i := len(rs) - 1; i > 0 && i >= len(rs)/2; i-- {
		if isBreak(rs[i]) && safeCut(rs, i) {
			return i
		}
	}
	return -1
}

// safeCut reports whether rs can end right before index i.
func safeCut(rs []rune, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && rs[j] == '\\'; j-- {
		n++
	}
	if n%2 == 1 {
		return false
	}
	if i < len(rs) && (rs[i] == '_' || rs[i] == '|') && rs[i-1] == rs[i] {
		return false
	}
	return true
}

// openLink returns the index of the '[' of a link left unfinished at the end
// of rs, or -1.
func openLink(rs []rune) int {
	start, inURL := -1, false
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == '\\':
			i++
		case inURL:
			if r == ')' {
				start, inURL = -1, false
			}
		case r == '[':
			start = i
		case r == ']' && start >= 0:
			switch {
			case i+1 == len(rs):
			case rs[i+1] == '(':
				inURL = true
				i++
			default:
				start = -1
			}
		}
	}
	return start
}

// openEntities returns the formatting markers still open after rs, given the
// markers open before it.
func openEntities(open []string, rs []rune) []string {
	stack := slices.Clone(open)
	inURL := false
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\\':
			i++
			continue
		case inURL:
			inURL = r != ')'
			continue
		case r == ']' && i+1 < len(rs) && rs[i+1] == '(':
			inURL = true
			i++
			continue
		}

		var tok string
		switch r {
		case '*', '~':
			tok = string(r)
		case '_', '|':
			tok = string(r)
			if i+1 < len(rs) && rs[i+1] == r {
				tok += tok
				i++
			} else if r == '|' {
				continue
			}
		default:
			continue
		}

		if n := len(stack); n > 0 && stack[n-1] == tok {
			stack = stack[:n-1]
		} else {
			stack = append(stack, tok)
		}
	}
	return stack
}

func closers(stack []string) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString(stack[i])
	}
	return b.String()
}
