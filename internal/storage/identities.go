package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialmesh/go-node/pkg/models"
)

// UpsertIdentity registers id or refreshes its public fields. The legacy
// secret and creation time of an existing row are kept.
func (d *DB) UpsertIdentity(ctx context.Context, id models.Identity) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO identities (peer_id, did, username, handle, avatar, bio, dag_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			did = excluded.did,
			username = excluded.username,
			handle = excluded.handle,
			avatar = excluded.avatar,
			bio = excluded.bio,
			dag_root = CASE WHEN excluded.dag_root = '' THEN identities.dag_root ELSE excluded.dag_root END`,
		id.PeerID, id.DID, id.Username, id.Handle, id.Avatar, id.Bio, id.DagRoot, toMillis(time.Now()),
	)
	if err != nil {
		return wrap(fmt.Errorf("upsert identity: %w", err))
	}
	return nil
}

func (d *DB) GetIdentity(ctx context.Context, peerID string) (models.Identity, error) {
	var id models.Identity
	err := d.db.QueryRowContext(ctx, `
		SELECT peer_id, did, username, handle, avatar, bio, dag_root
		FROM identities WHERE peer_id = ?`, peerID,
	).Scan(&id.PeerID, &id.DID, &id.Username, &id.Handle, &id.Avatar, &id.Bio, &id.DagRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, ErrNotFound
	}
	if err != nil {
		return models.Identity{}, wrap(fmt.Errorf("get identity: %w", err))
	}
	return id, nil
}

// SetDagRoot records the newest published profile root of peerID.
func (d *DB) SetDagRoot(ctx context.Context, peerID, root string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE identities SET dag_root = ? WHERE peer_id = ?`, root, peerID)
	if err != nil {
		return wrap(fmt.Errorf("set dag root: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLegacySecret stores the shared HMAC secret of a pre-DID identity.
func (d *DB) SetLegacySecret(ctx context.Context, peerID, secret string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE identities SET legacy_secret = ? WHERE peer_id = ?`, secret, peerID)
	if err != nil {
		return wrap(fmt.Errorf("set legacy secret: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LegacySecret matches identity.LegacySecretLookup.
func (d *DB) LegacySecret(ctx context.Context, peerID string) (string, bool) {
	var secret string
	err := d.db.QueryRowContext(ctx, `SELECT legacy_secret FROM identities WHERE peer_id = ?`, peerID).Scan(&secret)
	if err != nil || secret == "" {
		return "", false
	}
	return secret, true
}
