package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialmesh/go-node/pkg/models"
)

// AddGuardian inserts the pair unless the owner already has limit guardians.
// The count and the insert run as one statement, so concurrent adds cannot
// overshoot. It fails with ErrConflict for an existing pair and ErrLimit when
// the owner is full.
func (d *DB) AddGuardian(ctx context.Context, g models.Guardian, limit int) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO guardians (owner_id, guardian_id)
		SELECT ?, ?
		WHERE (SELECT COUNT(*) FROM guardians WHERE owner_id = ?) < ?
		ON CONFLICT (owner_id, guardian_id) DO NOTHING`, g.OwnerID, g.GuardianID, g.OwnerID, limit)
	if err != nil {
		return wrap(fmt.Errorf("add guardian: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM guardians WHERE owner_id = ? AND guardian_id = ?`, g.OwnerID, g.GuardianID).Scan(&exists)
	if err != nil {
		return wrap(fmt.Errorf("check guardian: %w", err))
	}
	if exists > 0 {
		return ErrConflict
	}
	return ErrLimit
}

func (d *DB) RemoveGuardian(ctx context.Context, g models.Guardian) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM guardians WHERE owner_id = ? AND guardian_id = ?`, g.OwnerID, g.GuardianID)
	if err != nil {
		return wrap(fmt.Errorf("remove guardian: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) ListGuardians(ctx context.Context, ownerID string) ([]models.Guardian, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT owner_id, guardian_id FROM guardians WHERE owner_id = ? ORDER BY rowid`, ownerID)
	if err != nil {
		return nil, wrap(fmt.Errorf("list guardians: %w", err))
	}
	defer rows.Close()

	var out []models.Guardian
	for rows.Next() {
		var g models.Guardian
		if err := rows.Scan(&g.OwnerID, &g.GuardianID); err != nil {
			return nil, wrap(fmt.Errorf("scan guardian: %w", err))
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(fmt.Errorf("iterate guardians: %w", err))
	}
	return out, nil
}

func (d *DB) CreateRecoveryRequest(ctx context.Context, oldPeerID, newPeerID string, at time.Time) (models.RecoveryRequest, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO recovery_requests (old_peer_id, new_peer_id, created_at, status)
		VALUES (?, ?, ?, ?)`, oldPeerID, newPeerID, toMillis(at), models.RecoveryStatusPending)
	if err != nil {
		return models.RecoveryRequest{}, wrap(fmt.Errorf("create recovery request: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.RecoveryRequest{}, wrap(err)
	}
	return models.RecoveryRequest{
		ID:        id,
		OldPeerID: oldPeerID,
		NewPeerID: newPeerID,
		CreatedAt: fromMillis(toMillis(at)),
		Status:    models.RecoveryStatusPending,
	}, nil
}

func (d *DB) GetRecoveryRequest(ctx context.Context, id int64) (models.RecoveryRequest, error) {
	var (
		req     models.RecoveryRequest
		created int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, old_peer_id, new_peer_id, created_at, status
		FROM recovery_requests WHERE id = ?`, id,
	).Scan(&req.ID, &req.OldPeerID, &req.NewPeerID, &created, &req.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RecoveryRequest{}, ErrNotFound
	}
	if err != nil {
		return models.RecoveryRequest{}, wrap(fmt.Errorf("get recovery request: %w", err))
	}
	req.CreatedAt = fromMillis(created)
	return req, nil
}

// ApproveRecovery records guardianID's vote once and returns the vote count.
// The request moves to approved when the count reaches threshold.
func (d *DB) ApproveRecovery(ctx context.Context, requestID int64, guardianID string, threshold int, at time.Time) (int, string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", wrap(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM recovery_requests WHERE id = ?`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", wrap(fmt.Errorf("load recovery request: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recovery_approvals (request_id, guardian_id, approved_at) VALUES (?, ?, ?)
		ON CONFLICT (request_id, guardian_id) DO NOTHING`, requestID, guardianID, toMillis(at)); err != nil {
		return 0, "", wrap(fmt.Errorf("insert approval: %w", err))
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM recovery_approvals WHERE request_id = ?`, requestID).Scan(&count); err != nil {
		return 0, "", wrap(fmt.Errorf("count approvals: %w", err))
	}
	if count >= threshold && status != models.RecoveryStatusApproved {
		status = models.RecoveryStatusApproved
		if _, err := tx.ExecContext(ctx, `UPDATE recovery_requests SET status = ? WHERE id = ?`, status, requestID); err != nil {
			return 0, "", wrap(fmt.Errorf("update recovery status: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, "", wrap(fmt.Errorf("commit transaction: %w", err))
	}
	return count, status, nil
}
