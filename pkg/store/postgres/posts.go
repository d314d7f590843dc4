package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/imeyer/cooked/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

func (s *Store) FindByTopicAndNumber(ctx context.Context, topicID int64, postNumber int) (*store.Post, error) {
	p := new(store.Post)
	err := s.traced(ctx, "FindPost", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`SELECT id, topic_id, post_number, user_id, raw, cooked, post_type, hidden,
				deleted_at IS NOT NULL, via_email, COALESCE(image_upload_id, 0)
			FROM posts WHERE topic_id = $1 AND post_number = $2`, topicID, postNumber,
		).Scan(&p.ID, &p.TopicID, &p.PostNumber, &p.UserID, &p.Raw, &p.Cooked, &p.Type, &p.Hidden,
			&p.Deleted, &p.ViaEmail, &p.ImageUploadID)
	}, attribute.Int64("topic.id", topicID), attribute.Int("post.number", postNumber))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Topic(ctx context.Context, topicID int64) (*store.Topic, error) {
	t := new(store.Topic)
	err := s.traced(ctx, "GetTopic", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`SELECT id, title, slug, COALESCE(category_id, 0), bumped_at, COALESCE(image_upload_id, 0)
			FROM topics WHERE id = $1`, topicID,
		).Scan(&t.ID, &t.Title, &t.Slug, &t.CategoryID, &t.BumpedAt, &t.ImageUploadID)
	}, attribute.Int64("topic.id", topicID))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Revise records a revision and replaces the post's raw in one transaction.
// The topic is bumped unless opts.BypassBump is set.
func (s *Store) Revise(ctx context.Context, post *store.Post, raw string, opts store.RevisionOptions) error {
	err := s.traced(ctx, "RevisePost", func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx,
			`INSERT INTO post_revisions (post_id, raw, edit_reason) VALUES ($1, $2, $3)`,
			post.ID, raw, opts.EditReason); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE posts SET raw = $2 WHERE id = $1`, post.ID, raw); err != nil {
			return err
		}
		if !opts.BypassBump {
			if _, err := tx.Exec(ctx, `UPDATE topics SET bumped_at = now() WHERE id = $1`, post.TopicID); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	}, attribute.Int64("post.id", post.ID), attribute.Bool("revision.bypass_bump", opts.BypassBump))
	if err != nil {
		return err
	}
	post.Raw = raw
	return nil
}

func (s *Store) SetPostImage(ctx context.Context, postID, uploadID int64) error {
	return s.traced(ctx, "SetPostImage", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `UPDATE posts SET image_upload_id = NULLIF($2, 0) WHERE id = $1`, postID, uploadID)
		return err
	}, attribute.Int64("post.id", postID), attribute.Int64("upload.id", uploadID))
}

func (s *Store) SetTopicImage(ctx context.Context, topicID, uploadID int64) error {
	return s.traced(ctx, "SetTopicImage", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `UPDATE topics SET image_upload_id = NULLIF($2, 0) WHERE id = $1`, topicID, uploadID)
		return err
	}, attribute.Int64("topic.id", topicID), attribute.Int64("upload.id", uploadID))
}

// StatusFor looks up what happened to a hotlinked URL, ignoring its scheme.
func (s *Store) StatusFor(ctx context.Context, postID int64, url string) (*store.HotlinkedMedia, error) {
	var (
		h        store.HotlinkedMedia
		uploadID int64
	)
	err := s.traced(ctx, "HotlinkedStatus", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`SELECT url, status, COALESCE(upload_id, 0) FROM hotlinked_media WHERE post_id = $1 AND url = $2`,
			postID, store.NormalizeMediaURL(url),
		).Scan(&h.URL, &h.Status, &uploadID)
	}, attribute.Int64("post.id", postID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if uploadID != 0 {
		up, err := s.uploadByID(ctx, uploadID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		h.Upload = up
	}
	return &h, nil
}

func (s *Store) uploadByID(ctx context.Context, id int64) (*store.Upload, error) {
	var u *store.Upload
	err := s.traced(ctx, "GetUploadByID", func(ctx context.Context) error {
		var err error
		u, err = scanUpload(s.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id))
		return err
	}, attribute.Int64("upload.id", id))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Fetch returns a previously stored onebox preview for url, or "".
func (s *Store) Fetch(ctx context.Context, url string, _ store.OneboxOptions) (string, error) {
	var preview string
	err := s.traced(ctx, "OneboxPreview", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `SELECT preview FROM onebox_previews WHERE url = $1`, url).Scan(&preview)
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return preview, err
}

// Grant awards badge once per user. Disabled badges are skipped.
func (s *Store) Grant(ctx context.Context, badge store.BadgeType, userID, postID int64) error {
	return s.traced(ctx, "GrantBadge", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO user_badges (badge_id, user_id, post_id)
			SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM badges WHERE id = $1 AND enabled)
			ON CONFLICT (badge_id, user_id) DO NOTHING`,
			int(badge), userID, postID)
		return err
	}, attribute.String("badge", badge.String()), attribute.Int64("user.id", userID))
}
