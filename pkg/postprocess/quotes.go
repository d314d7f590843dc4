package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/imeyer/cooked/pkg/cook"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/store"
	xhtml "golang.org/x/net/html"
)

var (
	quoteOpener    = regexp.MustCompile(`(?i)\[quote`)
	leadingQuote   = regexp.MustCompile(`(?is)\A\s*\[quote.+?\[/quote\]`)
	straightQuotes = strings.NewReplacer(
		"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
	)
)

// checkQuotes flags quotes whose source post is gone or no longer contains
// the quoted text.
func (r *run) checkQuotes(ctx context.Context) {
	if r.Posts == nil {
		return
	}
	for _, aside := range dom.Nodes(r.doc.Find("aside.quote[data-post]")) {
		dom.RemoveClass(aside, "quote-post-not-found", "quote-modified")

		number, err := strconv.Atoi(dom.AttrOr(aside, "data-post", ""))
		if err != nil || number <= 0 {
			continue
		}
		topicID := r.pc.Topic.ID
		if t, err := strconv.ParseInt(dom.AttrOr(aside, "data-topic", ""), 10, 64); err == nil && t > 0 {
			topicID = t
		}

		post, err := r.Posts.FindByTopicAndNumber(ctx, topicID, number)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.warn(ctx, "quoted post lookup failed", err,
				slog.Int64("topic_id", topicID), slog.Int("post_number", number))
			continue
		}
		if post == nil || post.Deleted {
			dom.AddClass(aside, "quote-post-not-found")
			continue
		}
		if r.Cooker == nil {
			continue
		}

		blockquote := quoteBody(aside)
		if blockquote == nil {
			continue
		}
		current := r.Cooker.Cook(ctx, post.Raw, cook.RenderOptions{TopicID: topicID, UserID: post.UserID})
		doc, err := dom.Parse(current)
		if err != nil {
			continue
		}
		if !strings.Contains(comparable(doc.Text()), comparable(dom.TextContent(blockquote))) {
			dom.AddClass(aside, "quote-modified")
		}
	}
}

func quoteBody(aside *xhtml.Node) *xhtml.Node {
	for _, c := range dom.ElementChildren(aside) {
		if dom.IsElement(c, "blockquote") {
			return c
		}
	}
	return nil
}

// comparable strips whitespace and typographic quotes so reformatting does
// not count as a modification.
func comparable(s string) string {
	s = straightQuotes.Replace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// removeFullQuote drops a reply's leading quote of the whole post it answers,
// revising the raw to match.
func (r *run) removeFullQuote(ctx context.Context) {
	p := r.pc.Post
	if !r.pc.NewPost || !r.Settings.RemoveFullQuote || p.PostNumber <= 1 || r.Revisor == nil || r.Posts == nil {
		return
	}
	if len(quoteOpener.FindAllStringIndex(p.Raw, 2)) != 1 || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(p.Raw)), "[quote") {
		return
	}

	asides := dom.Nodes(r.doc.Find("aside.quote"))
	if len(asides) != 1 {
		return
	}
	aside := asides[0]
	if children := dom.ElementChildren(r.doc.Body()); len(children) == 0 || children[0] != aside {
		return
	}

	prev := r.previousVisiblePost(ctx, p.TopicID, p.PostNumber)
	if prev == nil || dom.AttrOr(aside, "data-post", "") != strconv.Itoa(prev.PostNumber) {
		return
	}
	if t, ok := dom.Attr(aside, "data-topic"); ok && t != strconv.FormatInt(p.TopicID, 10) {
		return
	}

	blockquote := quoteBody(aside)
	if blockquote == nil {
		return
	}
	cooked := prev.Cooked
	if cooked == "" && r.Cooker != nil {
		cooked = r.Cooker.Cook(ctx, prev.Raw, cook.RenderOptions{TopicID: prev.TopicID, UserID: prev.UserID})
	}
	prevDoc, err := dom.Parse(cooked)
	if err != nil || collapse(dom.TextContent(blockquote)) != collapse(prevDoc.Text()) {
		return
	}

	raw := strings.TrimSpace(leadingQuote.ReplaceAllLiteralString(p.Raw, ""))
	if raw == "" {
		return
	}
	err = r.Revisor.Revise(ctx, p, raw, store.RevisionOptions{
		EditReason: r.Translator.T(i18n.RemovedFullQuote),
		BypassBump: true,
	})
	if err != nil {
		r.warn(ctx, "full quote revision failed", err, slog.Int64("post_id", p.ID))
		return
	}
	dom.Remove(aside)
	r.revised = true
}

// previousVisiblePost walks back from number to the regular, visible post the
// reply follows.
func (r *run) previousVisiblePost(ctx context.Context, topicID int64, number int) *store.Post {
	for n := number - 1; n >= 1; n-- {
		post, err := r.Posts.FindByTopicAndNumber(ctx, topicID, n)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.warn(ctx, "previous post lookup failed", err,
				slog.Int64("topic_id", topicID), slog.Int("post_number", n))
			return nil
		}
		if post.Visible() {
			return post
		}
	}
	return nil
}
