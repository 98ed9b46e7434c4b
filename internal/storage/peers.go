package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialmesh/go-node/pkg/models"
)

// UpsertPeer merges a registry update. Nil fields keep the stored value;
// last_seen is always refreshed.
func (d *DB) UpsertPeer(ctx context.Context, u models.PeerUpdate) error {
	kind := u.Kind
	if kind == "" {
		kind = models.DiscoveryKindPubsub
	}
	seen := u.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO discovered_peers (peer_id, username, avatar, dag_root, last_seen, discovery_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			username = COALESCE(excluded.username, discovered_peers.username),
			avatar = COALESCE(excluded.avatar, discovered_peers.avatar),
			dag_root = COALESCE(excluded.dag_root, discovered_peers.dag_root),
			last_seen = excluded.last_seen`,
		u.PeerID, nullable(u.Username), nullable(u.Avatar), nullable(u.DagRoot), toMillis(seen), kind,
	)
	if err != nil {
		return wrap(fmt.Errorf("upsert peer: %w", err))
	}
	return nil
}

func (d *DB) GetPeer(ctx context.Context, peerID string) (models.DiscoveredPeer, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT peer_id, username, avatar, dag_root, last_seen, discovery_type
		FROM discovered_peers WHERE peer_id = ?`, peerID)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscoveredPeer{}, ErrNotFound
	}
	if err != nil {
		return models.DiscoveredPeer{}, wrap(fmt.Errorf("get peer: %w", err))
	}
	return p, nil
}

// RecentPeers lists peers by most recent heartbeat.
func (d *DB) RecentPeers(ctx context.Context, limit int) ([]models.DiscoveredPeer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT peer_id, username, avatar, dag_root, last_seen, discovery_type
		FROM discovered_peers ORDER BY last_seen DESC, peer_id LIMIT ?`, limit)
	if err != nil {
		return nil, wrap(fmt.Errorf("query peers: %w", err))
	}
	defer rows.Close()

	var out []models.DiscoveredPeer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, wrap(fmt.Errorf("scan peer: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(fmt.Errorf("iterate peers: %w", err))
	}
	return out, nil
}

func (d *DB) CountPeers(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discovered_peers`).Scan(&n); err != nil {
		return 0, wrap(fmt.Errorf("count peers: %w", err))
	}
	return n, nil
}

// SweepPeers removes peers not seen since cutoff (zero disables) and then
// trims the registry to the maxEntries most recently seen (<= 0 disables).
func (d *DB) SweepPeers(ctx context.Context, cutoff time.Time, maxEntries int) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var total int64
	if !cutoff.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM discovered_peers WHERE last_seen < ?`, toMillis(cutoff))
		if err != nil {
			return 0, wrap(fmt.Errorf("delete stale peers: %w", err))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if maxEntries > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM discovered_peers WHERE peer_id IN (
				SELECT peer_id FROM discovered_peers
				ORDER BY last_seen DESC, peer_id
				LIMIT -1 OFFSET ?
			)`, maxEntries)
		if err != nil {
			return 0, wrap(fmt.Errorf("delete excess peers: %w", err))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap(fmt.Errorf("commit transaction: %w", err))
	}
	return total, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanPeer(row rowScanner) (models.DiscoveredPeer, error) {
	var (
		p                         models.DiscoveredPeer
		username, avatar, dagRoot sql.NullString
		seen                      int64
	)
	if err := row.Scan(&p.PeerID, &username, &avatar, &dagRoot, &seen, &p.DiscoveryKind); err != nil {
		return models.DiscoveredPeer{}, err
	}
	p.Username = username.String
	p.Avatar = avatar.String
	p.DagRoot = dagRoot.String
	p.LastSeenAt = fromMillis(seen)
	return p, nil
}
