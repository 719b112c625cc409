package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/mediaflow/internal/media"
	"github.com/eargollo/mediaflow/internal/retry"
)

// Catalog is the built-in metadata stage: it reads image headers and EXIF,
// and records one asset per distinct content hash in the assets table.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a Catalog writing into db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Enrich implements Pipeline.
func (c *Catalog) Enrich(ctx context.Context, req Request) (Result, error) {
	var meta any
	switch req.MediaType {
	case media.TypeImage:
		m, err := media.ExtractImageMeta(req.Path)
		if err != nil {
			if errors.Is(err, media.ErrUndecodable) {
				return Result{}, fmt.Errorf("%w: %v", retry.ErrCorrupt, err)
			}
			return Result{}, err
		}
		meta = m
	case media.TypeVideo:
		meta = struct{}{}
	default:
		return Result{}, fmt.Errorf("%w: media type %q", retry.ErrUnsupported, req.MediaType)
	}

	blob, err := json.Marshal(meta)
	if err != nil {
		return Result{}, fmt.Errorf("encode metadata: %w", err)
	}

	id, err := c.upsertAsset(ctx, req, string(blob))
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, AssetID: id}, nil
}

// upsertAsset returns the asset for the content hash, creating it on first
// sight. The unique index on content_hash makes this a single statement, so
// concurrent workers with the same content agree on one asset id.
func (c *Catalog) upsertAsset(ctx context.Context, req Request, metadata string) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO assets (id, content_hash, path, media_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE
		SET path = excluded.path, metadata = excluded.metadata
		RETURNING id`,
		uuid.NewString(), req.ContentHash, req.Path, string(req.MediaType), metadata, time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert asset: %w", err)
	}
	return id, nil
}
