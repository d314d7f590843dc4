package cook

import (
	"regexp"
	"sort"
	"strings"

	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
	east "github.com/yuin/goldmark-emoji/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
	"mvdan.cc/xurls/v2"
)

// Markdown rule names accepted in RenderOptions.MarkdownRules.
const (
	RuleHeading       = "heading"
	RuleLHeading      = "lheading"
	RuleHR            = "hr"
	RuleList          = "list"
	RuleCode          = "code"
	RuleFence         = "fence"
	RuleBlockquote    = "blockquote"
	RuleHTMLBlock     = "html_block"
	RuleBackticks     = "backticks"
	RuleLink          = "link"
	RuleAutolink      = "autolink"
	RuleHTMLInline    = "html_inline"
	RuleEmphasis      = "emphasis"
	RuleTable         = "table"
	RuleStrikethrough = "strikethrough"
	RuleLinkify       = "linkify"
)

// Smart quotes are left alone; only dashes and ellipses are substituted.
var typographerSubstitutions = map[extension.TypographicPunctuation][]byte{
	extension.LeftSingleQuote:  nil,
	extension.RightSingleQuote: nil,
	extension.LeftDoubleQuote:  nil,
	extension.RightDoubleQuote: nil,
	extension.Apostrophe:       nil,
	extension.LeftAngleQuote:   nil,
	extension.RightAngleQuote:  nil,
}

// linkifyURL anchors xurls' strict matcher at the parse position.
var linkifyURL = regexp.MustCompile(`^(?:` + xurls.Strict().String() + `)`)

// markdown returns a goldmark instance for the rule allowlist and features,
// building it on first use.
func (e *Engine) markdown(rules []string, f featureSet) goldmark.Markdown {
	key := markdownKey(rules, f)
	if md, ok := e.parsers.Load(key); ok {
		return md.(goldmark.Markdown)
	}
	md, _ := e.parsers.LoadOrStore(key, e.buildMarkdown(rules, f))
	return md.(goldmark.Markdown)
}

func markdownKey(rules []string, f featureSet) string {
	var sb strings.Builder
	if rules == nil {
		sb.WriteString("*")
	} else {
		sorted := append([]string(nil), rules...)
		sort.Strings(sorted)
		sb.WriteString(strings.Join(sorted, ","))
	}
	for _, name := range []string{FeatureBBCode, FeatureEmoji, FeatureMentions, FeatureHashtags} {
		if f[name] {
			sb.WriteString("|" + name)
		}
	}
	return sb.String()
}

func (e *Engine) buildMarkdown(rules []string, f featureSet) goldmark.Markdown {
	allowed := func(name string) bool {
		if rules == nil {
			return true
		}
		for _, r := range rules {
			if r == name {
				return true
			}
		}
		return false
	}

	var blocks []util.PrioritizedValue
	addBlock := func(name string, p parser.BlockParser, priority int) {
		if allowed(name) {
			blocks = append(blocks, util.Prioritized(p, priority))
		}
	}
	addBlock(RuleLHeading, parser.NewSetextHeadingParser(), 100)
	addBlock(RuleHR, parser.NewThematicBreakParser(), 200)
	addBlock(RuleList, parser.NewListParser(), 300)
	addBlock(RuleList, parser.NewListItemParser(), 400)
	addBlock(RuleCode, parser.NewCodeBlockParser(), 500)
	addBlock(RuleHeading, parser.NewATXHeadingParser(), 600)
	addBlock(RuleFence, parser.NewFencedCodeBlockParser(), 700)
	addBlock(RuleBlockquote, parser.NewBlockquoteParser(), 800)
	addBlock(RuleHTMLBlock, parser.NewHTMLBlockParser(), 900)
	blocks = append(blocks, util.Prioritized(parser.NewParagraphParser(), 1000))

	var inlines []util.PrioritizedValue
	addInline := func(name string, p parser.InlineParser, priority int) {
		if allowed(name) {
			inlines = append(inlines, util.Prioritized(p, priority))
		}
	}
	addInline(RuleBackticks, parser.NewCodeSpanParser(), 100)
	addInline(RuleLink, parser.NewLinkParser(), 200)
	addInline(RuleAutolink, parser.NewAutoLinkParser(), 300)
	addInline(RuleHTMLInline, parser.NewRawHTMLParser(), 400)
	addInline(RuleEmphasis, parser.NewEmphasisParser(), 500)

	var transformers []util.PrioritizedValue
	var nodeRenderers []util.PrioritizedValue

	if f[FeatureBBCode] {
		inlines = append(inlines, util.Prioritized(&bbcodeParser{}, 150))
		transformers = append(transformers, util.Prioritized(&bbcodeTransformer{}, 100))
	}
	if f[FeatureMentions] {
		inlines = append(inlines, util.Prioritized(&placeholderParser{
			trigger: '@',
			class:   "mention",
			scan:    textfmt.ScanMention,
		}, 600))
	}
	if f[FeatureHashtags] {
		inlines = append(inlines, util.Prioritized(&placeholderParser{
			trigger: '#',
			class:   "hashtag-raw",
			scan:    textfmt.ScanHashtag,
		}, 600))
	}
	nodeRenderers = append(nodeRenderers,
		util.Prioritized(&inlineRenderer{}, 100),
		util.Prioritized(&codeFenceRenderer{}, 100),
	)

	extensions := []goldmark.Extender{
		extension.NewTypographer(extension.WithTypographicSubstitutions(typographerSubstitutions)),
		extension.TaskList,
	}
	if allowed(RuleStrikethrough) {
		extensions = append(extensions, extension.Strikethrough)
	}
	if allowed(RuleTable) {
		extensions = append(extensions, extension.NewTable(
			extension.WithTableCellAlignMethod(extension.TableCellAlignAttribute),
		))
	}
	if allowed(RuleLinkify) {
		extensions = append(extensions, extension.NewLinkify(
			extension.WithLinkifyURLRegexp(linkifyURL),
			// an empty class never matches, so email addresses stay text
			extension.WithLinkifyEmailRegexp(regexp.MustCompile(`[^\x00-\x{10FFFF}]`)),
		))
	}
	if f[FeatureEmoji] {
		table := e.Emoji
		extensions = append(extensions, emoji.New(
			emoji.WithEmojis(table.Definitions()),
			emoji.WithRenderingMethod(emoji.Func),
			emoji.WithRendererFunc(func(w util.BufWriter, _ []byte, n *east.Emoji, _ *emoji.RendererConfig) {
				_, _ = w.WriteString(table.ImageHTML(string(n.ShortName), 0))
			}),
		))
	}

	return goldmark.New(
		goldmark.WithParser(parser.NewParser(
			parser.WithBlockParsers(blocks...),
			parser.WithInlineParsers(inlines...),
			parser.WithParagraphTransformers(parser.DefaultParagraphTransformers()...),
			parser.WithASTTransformers(transformers...),
		)),
		goldmark.WithExtensions(extensions...),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(nodeRenderers...),
			gmhtml.WithHardWraps(),
			gmhtml.WithUnsafe(),
		),
	)
}
