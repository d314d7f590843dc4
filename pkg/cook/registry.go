package cook

import (
	"context"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/textfmt"
)

// RawFilter rewrites raw markup before it is parsed.
type RawFilter func(ctx context.Context, raw string) string

// DocumentFilter edits the rendered document after the inline formatters and
// before sanitizing.
type DocumentFilter func(ctx context.Context, doc *dom.Document)

type Registry struct {
	Raw      textfmt.Registry[RawFilter]
	Document textfmt.Registry[DocumentFilter]
}

// DefaultRegistry is used by engines built without their own registry.
var DefaultRegistry = &Registry{}
