package postgres

import (
	"context"
	"strings"

	"github.com/imeyer/cooked/pkg/store"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

const uploadColumns = `id, url, sha1, original_filename, width, height, filesize, extension,
	secure, dominant_color, animated, custom_emoji`

func scanUpload(row pgx.Row) (*store.Upload, error) {
	u := new(store.Upload)
	err := row.Scan(&u.ID, &u.URL, &u.SHA1, &u.OriginalFilename, &u.Width, &u.Height, &u.Filesize,
		&u.Extension, &u.Secure, &u.DominantColor, &u.Animated, &u.CustomEmoji)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) Get(ctx context.Context, identifier string) (*store.Upload, error) {
	var u *store.Upload
	err := s.traced(ctx, "GetUpload", func(ctx context.Context) error {
		var err error
		u, err = scanUpload(s.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE url = $1`, identifier))
		return err
	}, attribute.String("upload.url", identifier))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FindBySHA1OrShortURL accepts a hex sha1, an upload:// URL or a bare base62
// token.
func (s *Store) FindBySHA1OrShortURL(ctx context.Context, token string) (*store.Upload, error) {
	sha1 := strings.ToLower(token)
	if len(sha1) != 40 || strings.HasPrefix(token, "upload://") {
		decoded, err := store.SHA1FromShortURL(token)
		if err != nil {
			return nil, store.ErrNotFound
		}
		sha1 = decoded
	}

	var u *store.Upload
	err := s.traced(ctx, "FindUploadBySHA1", func(ctx context.Context) error {
		var err error
		u, err = scanUpload(s.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE sha1 = $1`, sha1))
		return err
	}, attribute.String("upload.sha1", sha1))
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) OptimizedImages(ctx context.Context, uploadID int64) ([]store.OptimizedImage, error) {
	var images []store.OptimizedImage
	err := s.traced(ctx, "ListOptimizedImages", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx,
			`SELECT id, upload_id, url, width, height, filesize, extension
			FROM optimized_images WHERE upload_id = $1 ORDER BY width, height`, uploadID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var oi store.OptimizedImage
			if err := rows.Scan(&oi.ID, &oi.UploadID, &oi.URL, &oi.Width, &oi.Height, &oi.Filesize, &oi.Extension); err != nil {
				return err
			}
			images = append(images, oi)
		}
		return rows.Err()
	}, attribute.Int64("upload.id", uploadID))
	if err != nil {
		return nil, err
	}
	return images, nil
}

// RecordOptimizedImage stores a rendered thumbnail and fills in its ID. A
// variant recorded twice keeps the first row's ID.
func (s *Store) RecordOptimizedImage(ctx context.Context, oi *store.OptimizedImage) error {
	return s.traced(ctx, "RecordOptimizedImage", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`INSERT INTO optimized_images (upload_id, url, width, height, filesize, extension)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (upload_id, width, height) DO UPDATE SET url = EXCLUDED.url
			RETURNING id`,
			oi.UploadID, oi.URL, oi.Width, oi.Height, oi.Filesize, oi.Extension,
		).Scan(&oi.ID)
	}, attribute.Int64("upload.id", oi.UploadID))
}
