package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/imeyer/cooked/pkg/store"
	"github.com/imeyer/cooked/pkg/textfmt"
	"go.opentelemetry.io/otel/attribute"
)

// $1 is always the viewing user; c is the category being checked.
const (
	viewerIsStaff   = `EXISTS (SELECT 1 FROM users u WHERE u.id = $1 AND u.staff)`
	viewerIsGranted = `EXISTS (SELECT 1 FROM category_grants g WHERE g.category_id = c.id AND g.user_id = $1)`
	categoryOpen    = `(c.id IS NULL OR NOT c.read_restricted OR ` + viewerIsGranted + `)`
)

var visibilityQueries = map[store.EntityKind]string{
	store.EntityCategory: `SELECT ` + viewerIsStaff + ` OR ` + categoryOpen + `
		FROM categories c WHERE c.id = $2`,
	store.EntityTopic: `SELECT ` + viewerIsStaff + ` OR ` + categoryOpen + `
		FROM topics t LEFT JOIN categories c ON c.id = t.category_id WHERE t.id = $2`,
	store.EntityPost: `SELECT ` + viewerIsStaff + ` OR (NOT p.hidden AND p.deleted_at IS NULL AND ` + categoryOpen + `)
		FROM posts p JOIN topics t ON t.id = p.topic_id LEFT JOIN categories c ON c.id = t.category_id
		WHERE p.id = $2`,
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*store.User, error) {
	u := new(store.User)
	err := s.traced(ctx, "FindUserByUsername", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`SELECT id, username, name, trust_level, staff, staged, avatar_template
			FROM users WHERE lower(username) = lower($1)`, username,
		).Scan(&u.ID, &u.Username, &u.Name, &u.TrustLevel, &u.Staff, &u.Staged, &u.AvatarTemplate)
	}, attribute.String("user.username", username))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CanSee answers false for missing entities and on lookup errors.
func (s *Store) CanSee(ctx context.Context, userID int64, e store.Entity) bool {
	query, ok := visibilityQueries[e.Kind]
	if !ok {
		return false
	}

	var visible bool
	err := s.traced(ctx, "CanSee", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, query, userID, e.ID).Scan(&visible)
	}, attribute.Int64("user.id", userID), attribute.Int("entity.kind", int(e.Kind)), attribute.Int64("entity.id", e.ID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.WarnContext(ctx, "visibility check failed", slog.Any("error", err), slog.Int64("entity_id", e.ID))
		}
		return false
	}
	return visible
}

func (s *Store) IsStaffOrHigherTrust(ctx context.Context, userID int64, level int) bool {
	var ok bool
	err := s.traced(ctx, "IsStaffOrHigherTrust", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `SELECT staff OR trust_level >= $2 FROM users WHERE id = $1`, userID, level).Scan(&ok)
	}, attribute.Int64("user.id", userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.WarnContext(ctx, "trust level check failed", slog.Any("error", err), slog.Int64("user_id", userID))
		}
		return false
	}
	return ok
}

// LookupMentions resolves names to users first and groups second. Keys are
// lowercased.
func (s *Store) LookupMentions(ctx context.Context, _ int64, names []string) (map[string]textfmt.Mentionable, error) {
	out := make(map[string]textfmt.Mentionable)
	if len(names) == 0 {
		return out, nil
	}
	keys := lowered(names)

	err := s.traced(ctx, "LookupMentionedUsers", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT username, staged FROM users WHERE lower(username) = ANY($1)`, keys)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m textfmt.Mentionable
			if err := rows.Scan(&m.Name, &m.Staged); err != nil {
				return err
			}
			m.Kind = textfmt.MentionUser
			out[strings.ToLower(m.Name)] = m
		}
		return rows.Err()
	}, attribute.Int("mention.count", len(keys)))
	if err != nil {
		return nil, err
	}

	var rest []string
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			rest = append(rest, k)
		}
	}
	if len(rest) == 0 {
		return out, nil
	}

	err = s.traced(ctx, "LookupMentionedGroups", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT name, mentionable, notifiable FROM groups WHERE lower(name) = ANY($1)`, rest)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m textfmt.Mentionable
			if err := rows.Scan(&m.Name, &m.Mentionable, &m.Notify); err != nil {
				return err
			}
			m.Kind = textfmt.MentionGroup
			out[strings.ToLower(m.Name)] = m
		}
		return rows.Err()
	}, attribute.Int("mention.count", len(rest)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LookupHashtags resolves refs against the categories userID can see and all
// tags. Untyped refs prefer the category.
func (s *Store) LookupHashtags(ctx context.Context, userID int64, refs []textfmt.HashtagRef) (map[textfmt.HashtagRef]textfmt.Hashtag, error) {
	out := make(map[textfmt.HashtagRef]textfmt.Hashtag)
	if len(refs) == 0 {
		return out, nil
	}
	slugs := make([]string, 0, len(refs))
	for _, ref := range refs {
		slugs = append(slugs, ref.Slug)
	}
	slugs = lowered(slugs)

	categories := make(map[string]*store.Category)
	err := s.traced(ctx, "LookupHashtagCategories", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx,
			`SELECT c.id, c.slug, c.name FROM categories c
			WHERE lower(c.slug) = ANY($2) AND (`+viewerIsStaff+` OR `+categoryOpen+`)`, userID, slugs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c := new(store.Category)
			if err := rows.Scan(&c.ID, &c.Slug, &c.Name); err != nil {
				return err
			}
			categories[strings.ToLower(c.Slug)] = c
		}
		return rows.Err()
	}, attribute.Int64("user.id", userID))
	if err != nil {
		return nil, err
	}

	tags := make(map[string]*store.Tag)
	err = s.traced(ctx, "LookupHashtagTags", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT id, name FROM tags WHERE lower(name) = ANY($1)`, slugs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t := new(store.Tag)
			if err := rows.Scan(&t.ID, &t.Name); err != nil {
				return err
			}
			tags[strings.ToLower(t.Name)] = t
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		key := strings.ToLower(ref.Slug)
		if c, ok := categories[key]; ok && ref.Type != textfmt.HashtagTag {
			out[ref] = store.CategoryHashtag(s.basePath, c)
		} else if t, ok := tags[key]; ok && ref.Type != textfmt.HashtagCategory {
			out[ref] = store.TagHashtag(s.basePath, t)
		}
	}
	return out, nil
}

// lowered returns the distinct lowercased names in first-seen order.
func lowered(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		k := strings.ToLower(n)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
