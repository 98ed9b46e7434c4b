package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialmesh/go-node/pkg/models"
)

// InsertFollow fails with ErrConflict when the pair already exists.
func (d *DB) InsertFollow(ctx context.Context, rel models.FollowRelationship) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO following (owner_id, target_id, relationship_type, followed_at, library_id, username, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, target_id) DO NOTHING`,
		rel.OwnerID, rel.TargetID, rel.RelationshipType, toMillis(rel.FollowedAt),
		rel.CachedLibraryID, rel.CachedUsername, toMillis(rel.LastSyncedAt),
	)
	if err != nil {
		return wrap(fmt.Errorf("insert follow: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (d *DB) GetFollow(ctx context.Context, ownerID, targetID string) (models.FollowRelationship, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT owner_id, target_id, relationship_type, followed_at, library_id, username, last_synced_at
		FROM following WHERE owner_id = ? AND target_id = ?`, ownerID, targetID)
	rel, err := scanFollow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FollowRelationship{}, ErrNotFound
	}
	if err != nil {
		return models.FollowRelationship{}, wrap(fmt.Errorf("get follow: %w", err))
	}
	return rel, nil
}

func (d *DB) ListFollows(ctx context.Context, ownerID string) ([]models.FollowRelationship, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT owner_id, target_id, relationship_type, followed_at, library_id, username, last_synced_at
		FROM following WHERE owner_id = ? ORDER BY followed_at, target_id`, ownerID)
	if err != nil {
		return nil, wrap(fmt.Errorf("list follows: %w", err))
	}
	defer rows.Close()

	var out []models.FollowRelationship
	for rows.Next() {
		rel, err := scanFollow(rows)
		if err != nil {
			return nil, wrap(fmt.Errorf("scan follow: %w", err))
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(fmt.Errorf("iterate follows: %w", err))
	}
	return out, nil
}

// DeleteFollow reports ErrNotFound when nothing was removed.
func (d *DB) DeleteFollow(ctx context.Context, ownerID, targetID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM following WHERE owner_id = ? AND target_id = ?`, ownerID, targetID)
	if err != nil {
		return wrap(fmt.Errorf("delete follow: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFollowSync stores the newest resolved library and the sync time.
func (d *DB) UpdateFollowSync(ctx context.Context, ownerID, targetID, libraryID string, syncedAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE following SET library_id = ?, last_synced_at = ?
		WHERE owner_id = ? AND target_id = ?`,
		libraryID, toMillis(syncedAt), ownerID, targetID,
	)
	if err != nil {
		return wrap(fmt.Errorf("update follow sync: %w", err))
	}
	return nil
}

// IsFollowedByAnyone reports whether any local identity follows peerID.
func (d *DB) IsFollowedByAnyone(ctx context.Context, peerID string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM following WHERE target_id = ? LIMIT 1`, peerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap(fmt.Errorf("check follow: %w", err))
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollow(row rowScanner) (models.FollowRelationship, error) {
	var (
		rel                  models.FollowRelationship
		followedAt, syncedAt int64
	)
	if err := row.Scan(&rel.OwnerID, &rel.TargetID, &rel.RelationshipType, &followedAt,
		&rel.CachedLibraryID, &rel.CachedUsername, &syncedAt); err != nil {
		return models.FollowRelationship{}, err
	}
	rel.FollowedAt = fromMillis(followedAt)
	rel.LastSyncedAt = fromMillis(syncedAt)
	return rel, nil
}
