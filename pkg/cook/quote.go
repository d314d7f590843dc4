package cook

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/store"
)

// QuoteRef is the parsed attribute of a [quote=...] opener.
type QuoteRef struct {
	// FullName is the display name, the first bare token.
	FullName   string
	Username   string
	PostNumber int
	TopicID    int64
	Full       bool
}

// ParseQuoteRef reads `"name, post:N, topic:T, username:U, full:true"`.
// Unknown keys and malformed numbers are ignored.
func ParseQuoteRef(attr string) QuoteRef {
	var ref QuoteRef
	for _, part := range strings.Split(unquote(attr), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			if ref.FullName == "" {
				ref.FullName = part
			}
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "post":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				ref.PostNumber = n
			}
		case "topic":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil && n > 0 {
				ref.TopicID = n
			}
		case "username":
			ref.Username = val
		case "full":
			ref.Full = strings.EqualFold(val, "true")
		default:
			if ref.FullName == "" {
				ref.FullName = part
			}
		}
	}
	if ref.Username == "" {
		ref.Username = ref.FullName
	}
	return ref
}

// renderQuote composes the aside for a quote around its rendered body. A
// missing post or topic degrades the markup, never the render.
func (e *Engine) renderQuote(ctx context.Context, ref QuoteRef, inner string, opts RenderOptions) string {
	classes := "quote no-group"
	topicID := ref.TopicID
	if topicID == 0 {
		topicID = opts.TopicID
	}
	if ref.PostNumber > 0 && topicID > 0 && e.Posts != nil {
		post, err := e.Posts.FindByTopicAndNumber(ctx, topicID, ref.PostNumber)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.Logger.WarnContext(ctx, "quote lookup failed",
				slog.Int64("topic_id", topicID),
				slog.Int("post_number", ref.PostNumber),
				slog.String("error", err.Error()))
		}
		if post == nil || post.Deleted {
			classes += " quote-post-not-found"
		}
	}

	var sb strings.Builder
	sb.WriteString(`<aside class="` + classes + `"`)
	if ref.Username != "" {
		sb.WriteString(` data-username="` + html.EscapeString(ref.Username) + `"`)
	}
	if ref.PostNumber > 0 {
		sb.WriteString(fmt.Sprintf(` data-post="%d"`, ref.PostNumber))
	}
	if ref.TopicID > 0 {
		sb.WriteString(fmt.Sprintf(` data-topic="%d"`, ref.TopicID))
	}
	if ref.Full {
		sb.WriteString(` data-full="true"`)
	}
	sb.WriteString(">\n")

	if ref.FullName != "" {
		sb.WriteString(`<div class="title">` + "\n" + `<div class="quote-controls"></div>` + "\n")
		if !ref.Full {
			sb.WriteString(e.quoteAvatar(ctx, ref.Username))
		}
		sb.WriteString(html.EscapeString(ref.FullName) + ":")
		if !ref.Full {
			sb.WriteString(e.quoteLink(ctx, ref, opts))
		}
		sb.WriteString("</div>\n")
	}

	sb.WriteString("<blockquote>\n" + inner + "</blockquote>\n</aside>\n")
	return sb.String()
}

func (e *Engine) quoteAvatar(ctx context.Context, username string) string {
	if e.Users == nil || username == "" {
		return ""
	}
	u, err := e.Users.FindByUsername(ctx, username)
	if err != nil || u.AvatarTemplate == "" {
		return ""
	}
	return `<img alt="" width="24" height="24" src="` + html.EscapeString(u.AvatarURL(48)) + `" class="avatar"> `
}

// quoteLink points at the quoted post. Quotes of the current topic only link
// when forced; topics the reader cannot see link with a generic label.
func (e *Engine) quoteLink(ctx context.Context, ref QuoteRef, opts RenderOptions) string {
	if ref.TopicID == 0 || ref.PostNumber == 0 || e.Posts == nil {
		return ""
	}
	if ref.TopicID == opts.TopicID && !opts.ForceQuoteLink {
		return ""
	}
	topic, err := e.Posts.Topic(ctx, ref.TopicID)
	if err != nil {
		return ""
	}

	s := topic.Slug
	if s == "" {
		s = slug.Make(topic.Title)
	}
	if s == "" {
		s = "topic"
	}
	href := fmt.Sprintf("%s/t/%s/%d/%d", e.Settings.BasePath(), s, topic.ID, ref.PostNumber)

	label := html.EscapeString(topic.Title)
	if e.Permissions != nil && !e.Permissions.CanSee(ctx, opts.UserID, store.Entity{Kind: store.EntityTopic, ID: topic.ID}) {
		label = html.EscapeString(e.Translator.T(i18n.OnAnotherTopic))
	}
	return ` <a href="` + html.EscapeString(href) + `">` + label + `</a>`
}
