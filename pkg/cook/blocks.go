package cook

import (
	"context"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

var (
	blockOpen  = regexp.MustCompile(`(?mi)^ {0,3}\[(quote|details|wrap)(?:=([^\]\n]*))?\]`)
	blockClose = regexp.MustCompile(`(?i)\[/(quote|details|wrap)\]`)
	fenceStart = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})")
	wrapKey    = regexp.MustCompile(`[^\w-]`)
)

// segment is either markdown text or a block bbcode element with children.
type segment struct {
	text     string
	tag      string
	attr     string
	children []segment
}

type blockToken struct {
	tag        string
	attr       string
	start, end int
	bracket    int
	close      bool
}

type blockPair struct {
	tag                  string
	attr                 string
	openStart, openEnd   int
	closeStart, closeEnd int
}

type blockSplitter struct {
	src    string
	pairs  []blockPair
	failed map[int]bool // '[' offsets of openers with no closer
}

// splitBlocks finds [quote], [details] and [wrap] elements outside fenced
// code. Openers must start a line; unterminated ones stay literal text with
// their bracket escaped.
func splitBlocks(src string, f featureSet) []segment {
	tags := map[string]bool{}
	if f[FeatureQuotes] {
		tags["quote"] = true
	}
	if f[FeatureBBCode] {
		tags["details"] = true
		tags["wrap"] = true
	}
	if len(tags) == 0 {
		return []segment{{text: src}}
	}

	fences := fencedRanges(src)
	inFence := func(pos int) bool {
		for _, r := range fences {
			if pos >= r[0] && pos < r[1] {
				return true
			}
		}
		return false
	}

	var tokens []blockToken
	for _, m := range blockOpen.FindAllStringSubmatchIndex(src, -1) {
		tag := strings.ToLower(src[m[2]:m[3]])
		if !tags[tag] || inFence(m[0]) {
			continue
		}
		t := blockToken{tag: tag, start: m[0], end: m[1], bracket: m[2] - 1}
		if m[4] >= 0 {
			t.attr = src[m[4]:m[5]]
		}
		tokens = append(tokens, t)
	}
	for _, m := range blockClose.FindAllStringSubmatchIndex(src, -1) {
		tag := strings.ToLower(src[m[2]:m[3]])
		if !tags[tag] || inFence(m[0]) {
			continue
		}
		tokens = append(tokens, blockToken{tag: tag, start: m[0], end: m[1], close: true})
	}
	if len(tokens) == 0 {
		return []segment{{text: src}}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].start < tokens[j].start })

	s := &blockSplitter{src: src, failed: map[int]bool{}}
	var stack []blockToken
	for _, t := range tokens {
		if !t.close {
			stack = append(stack, t)
			continue
		}
		k := -1
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].tag == t.tag {
				k = i
				break
			}
		}
		if k < 0 {
			continue
		}
		for _, unclosed := range stack[k+1:] {
			s.failed[unclosed.bracket] = true
		}
		o := stack[k]
		s.pairs = append(s.pairs, blockPair{
			tag: o.tag, attr: o.attr,
			openStart: o.start, openEnd: o.end,
			closeStart: t.start, closeEnd: t.end,
		})
		stack = stack[:k]
	}
	for _, unclosed := range stack {
		s.failed[unclosed.bracket] = true
	}
	sort.Slice(s.pairs, func(i, j int) bool { return s.pairs[i].openStart < s.pairs[j].openStart })

	return s.build(0, len(src))
}

func (s *blockSplitter) build(lo, hi int) []segment {
	var out []segment
	cur := lo
	for _, p := range s.pairs {
		if p.openStart < cur || p.closeEnd > hi {
			continue
		}
		out = appendText(out, s.text(cur, p.openStart))
		out = append(out, segment{tag: p.tag, attr: p.attr, children: s.build(p.openEnd, p.closeStart)})
		cur = p.closeEnd
	}
	return appendText(out, s.text(cur, hi))
}

// text returns src[lo:hi] with failed openers escaped.
func (s *blockSplitter) text(lo, hi int) string {
	if len(s.failed) == 0 {
		return s.src[lo:hi]
	}
	var sb strings.Builder
	for i := lo; i < hi; i++ {
		if s.failed[i] {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s.src[i])
	}
	return sb.String()
}

func appendText(out []segment, text string) []segment {
	if strings.TrimSpace(text) == "" {
		return out
	}
	return append(out, segment{text: text})
}

// fencedRanges returns the byte ranges of fenced code blocks, fences included.
// An unclosed fence runs to the end of the text.
func fencedRanges(src string) [][2]int {
	var ranges [][2]int
	var marker string
	start := -1
	pos := 0
	for _, line := range strings.SplitAfter(src, "\n") {
		trimmed := strings.TrimRight(line, "\r\n")
		if start < 0 {
			if m := fenceStart.FindStringSubmatch(trimmed); m != nil {
				marker = m[1]
				start = pos
			}
		} else if strings.HasPrefix(strings.TrimLeft(trimmed, " "), marker) &&
			strings.Trim(strings.TrimSpace(trimmed), marker[:1]) == "" {
			ranges = append(ranges, [2]int{start, pos + len(line)})
			start = -1
		}
		pos += len(line)
	}
	if start >= 0 {
		ranges = append(ranges, [2]int{start, len(src)})
	}
	return ranges
}

func (e *Engine) renderSegments(ctx context.Context, md goldmark.Markdown, segs []segment, opts RenderOptions, f featureSet) string {
	var sb strings.Builder
	for _, s := range segs {
		switch s.tag {
		case "":
			sb.WriteString(e.renderMarkdown(ctx, md, s.text))
		case "quote":
			inner := e.renderSegments(ctx, md, s.children, opts, f)
			sb.WriteString(e.renderQuote(ctx, ParseQuoteRef(s.attr), inner, opts))
		case "details":
			inner := e.renderSegments(ctx, md, s.children, opts, f)
			sb.WriteString("<details><summary>" + html.EscapeString(unquote(s.attr)) + "</summary>\n" + inner + "</details>\n")
		case "wrap":
			inner := e.renderSegments(ctx, md, s.children, opts, f)
			sb.WriteString(renderWrap(s.attr, inner))
		}
	}
	return sb.String()
}

// renderWrap turns [wrap=name k=v] into a div carrying data attributes.
func renderWrap(attr, inner string) string {
	fields := strings.Fields(unquote(attr))
	var sb strings.Builder
	sb.WriteString(`<div class="d-wrap"`)
	for i, field := range fields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			if i == 0 {
				sb.WriteString(` data-wrap="` + html.EscapeString(field) + `"`)
			}
			continue
		}
		if k = strings.ToLower(wrapKey.ReplaceAllString(k, "")); k == "" || k == "wrap" {
			continue
		}
		sb.WriteString(` data-` + k + `="` + html.EscapeString(strings.Trim(v, `"'`)) + `"`)
	}
	sb.WriteString(">\n" + inner + "</div>\n")
	return sb.String()
}

// unquote trims whitespace and one pair of straight or curly quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"”", "”"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}
