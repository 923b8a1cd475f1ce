package storage

import (
	"errors"
	"fmt"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

// MarkDownloaded records that an attachment of a message has been saved
// locally, so the download affordance stays suppressed across sessions.
func (d *DB) MarkDownloaded(messageID string, attachmentIndex int) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if attachmentIndex < 0 {
		return fmt.Errorf("invalid attachment index %d", attachmentIndex)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO downloaded_attachments (message_id, attachment_index, downloaded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, attachment_index) DO UPDATE SET downloaded_at = excluded.downloaded_at`,
		messageID,
		attachmentIndex,
		proto.NowMillis(),
	)
	if err != nil {
		return fmt.Errorf("mark downloaded %q[%d]: %w", messageID, attachmentIndex, err)
	}
	return nil
}

// IsDownloaded reports whether an attachment has already been saved.
func (d *DB) IsDownloaded(messageID string, attachmentIndex int) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var exists int
	if err := d.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM downloaded_attachments WHERE message_id = ? AND attachment_index = ?)`,
		messageID,
		attachmentIndex,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check downloaded %q[%d]: %w", messageID, attachmentIndex, err)
	}
	return exists == 1, nil
}

// PruneBefore removes ledger rows older than the cutoff (unix millis) and
// returns how many were dropped.
func (d *DB) PruneBefore(cutoffMillis int64) (int64, error) {
	if cutoffMillis <= 0 {
		return 0, errors.New("cutoff must be > 0")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM downloaded_attachments WHERE downloaded_at < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("prune download ledger: %w", err)
	}
	return res.RowsAffected()
}
