package storage

import (
	"context"
	"fmt"
	"time"

	"socialmesh/go-node/pkg/models"
)

func (d *DB) SaveMessage(ctx context.Context, msg models.Message) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, recipient_id, text, timestamp, cid, filename, mime_type, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SenderID, msg.RecipientID, msg.Text, msg.Timestamp, msg.ContentID, msg.Filename, msg.MimeType, msg.Read,
	)
	if err != nil {
		return 0, wrap(fmt.Errorf("save message: %w", err))
	}
	return res.LastInsertId()
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (d *DB) Conversation(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, text, timestamp, cid, filename, mime_type, is_read
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY id
		LIMIT ?`, a, b, b, a, limit)
	if err != nil {
		return nil, wrap(fmt.Errorf("query conversation: %w", err))
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Timestamp,
			&m.ContentID, &m.Filename, &m.MimeType, &m.Read); err != nil {
			return nil, wrap(fmt.Errorf("scan message: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(fmt.Errorf("iterate messages: %w", err))
	}
	return out, nil
}

func (d *DB) CreateNotification(ctx context.Context, n models.Notification) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO notifications (owner_id, type, title, message, link, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.OwnerID, n.Type, n.Title, n.Message, n.Link, toMillis(n.CreatedAt), n.Read,
	)
	if err != nil {
		return 0, wrap(fmt.Errorf("create notification: %w", err))
	}
	return res.LastInsertId()
}

// Notifications lists the newest notifications of owner first.
func (d *DB) Notifications(ctx context.Context, ownerID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, owner_id, type, title, message, link, created_at, is_read
		FROM notifications WHERE owner_id = ?
		ORDER BY id DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, wrap(fmt.Errorf("query notifications: %w", err))
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			created int64
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &n.Message, &n.Link, &created, &n.Read); err != nil {
			return nil, wrap(fmt.Errorf("scan notification: %w", err))
		}
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(fmt.Errorf("iterate notifications: %w", err))
	}
	return out, nil
}
