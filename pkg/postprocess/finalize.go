package postprocess

import (
	"context"
	"log/slog"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/store"
	xhtml "golang.org/x/net/html"
)

// updateRepresentativeImage records the first post image backed by an upload
// as the post's image, and the topic's for the first post.
func (r *run) updateRepresentativeImage(ctx context.Context) {
	if r.Images == nil {
		return
	}

	var first, rest []*xhtml.Node
	for _, img := range dom.Nodes(r.doc.Find("img[src]")) {
		if !postImage(img) {
			continue
		}
		if _, ok := dom.Attr(img, "data-thumbnail"); ok {
			first = append(first, img)
		} else {
			rest = append(rest, img)
		}
	}

	var uploadID int64
	for _, img := range append(first, rest...) {
		if up := r.imageUpload(ctx, img); up != nil {
			uploadID = up.ID
			break
		}
	}

	p := r.pc.Post
	if p.ImageUploadID != uploadID {
		if err := r.Images.SetPostImage(ctx, p.ID, uploadID); err != nil {
			r.warn(ctx, "post image update failed", err, slog.Int64("upload_id", uploadID))
		} else {
			p.ImageUploadID = uploadID
		}
	}
	if p.PostNumber == 1 && r.pc.Topic.ImageUploadID != uploadID {
		if err := r.Images.SetTopicImage(ctx, r.pc.Topic.ID, uploadID); err != nil {
			r.warn(ctx, "topic image update failed", err,
				slog.Int64("topic_id", r.pc.Topic.ID), slog.Int64("upload_id", uploadID))
		} else {
			r.pc.Topic.ImageUploadID = uploadID
		}
	}
}

func (r *run) imageUpload(ctx context.Context, img *xhtml.Node) *store.Upload {
	if a := dom.Closest(img, dom.Tag("a", "lightbox")); a != nil {
		if up := r.findUpload(ctx, dom.AttrOr(a, "href", "")); up != nil {
			return up
		}
	}
	if up := r.findUpload(ctx, dom.AttrOr(img, "data-orig-src", "")); up != nil {
		return up
	}
	return r.findUpload(ctx, dom.AttrOr(img, "src", ""))
}

// grantBadges awards the first-use badges the finished post qualifies for.
func (r *run) grantBadges(ctx context.Context) {
	p, author := r.pc.Post, r.pc.Author
	if r.Badges == nil || !r.Settings.EnableBadges || author == nil {
		return
	}
	if r.Permissions == nil || !r.Permissions.CanSee(ctx, 0, store.Entity{Kind: store.EntityPost, ID: p.ID}) {
		return
	}

	var badges []store.BadgeType
	for _, img := range dom.Nodes(r.doc.Find("img.emoji")) {
		if dom.Closest(img, inQuote) == nil {
			badges = append(badges, store.BadgeFirstEmoji)
			break
		}
	}
	if r.res.HasOneboxes {
		badges = append(badges, store.BadgeFirstOnebox)
	}
	if p.ViaEmail && p.PostNumber > 1 {
		badges = append(badges, store.BadgeFirstReplyByEmail)
	}

	for _, b := range badges {
		if err := r.Badges.Grant(ctx, b, author.ID, p.ID); err != nil {
			r.warn(ctx, "badge grant failed", err, slog.String("badge", b.String()))
		}
	}
}
