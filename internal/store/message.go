package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/status"
)

const messageColumns = `id, party_id, sender_name, from_operator, text, media_ref, media_kind, handle, status, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m         Message
		kind, st  string
		createdAt int64
	)
	if err := s.Scan(&m.ID, &m.PartyID, &m.SenderName, &m.FromOperator, &m.Text, &m.MediaRef, &kind, &m.Handle, &st, &createdAt); err != nil {
		return nil, err
	}
	m.MediaKind = media.Kind(kind)
	parsed, err := status.Parse(st)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.Status = parsed
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

// Create persists a new message with status sent and returns the stored record.
func (db *DB) Create(ctx context.Context, n NewMessage) (*Message, error) {
	if n.Text == "" && n.MediaRef == "" {
		return nil, ErrEmptyMessage
	}
	if n.MediaRef != "" && !n.MediaKind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMediaKind, n.MediaKind)
	}
	if n.MediaRef == "" {
		n.MediaKind = ""
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (party_id, sender_name, from_operator, text, media_ref, media_kind, handle, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.PartyID, n.SenderName, n.FromOperator, n.Text, n.MediaRef, string(n.MediaKind), n.Handle, string(status.Sent), now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &Message{
		ID:           id,
		PartyID:      n.PartyID,
		SenderName:   n.SenderName,
		FromOperator: n.FromOperator,
		Text:         n.Text,
		MediaRef:     n.MediaRef,
		MediaKind:    n.MediaKind,
		Handle:       n.Handle,
		Status:       status.Sent,
		CreatedAt:    time.UnixMilli(now).UTC(),
	}, nil
}

// Get returns a message by id, or nil if it does not exist.
func (db *DB) Get(ctx context.Context, id int64) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// FindByHandle returns the message of a party that carries the given provider
// handle, or nil if there is none.
func (db *DB) FindByHandle(ctx context.Context, party, handle string) (*Message, error) {
	if handle == "" {
		return nil, nil
	}
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE party_id = ? AND handle = ? ORDER BY id DESC LIMIT 1`, party, handle)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by handle: %w", err)
	}
	return m, nil
}

// RepliedSince reports whether the party wrote in after the message with the
// given id was created.
func (db *DB) RepliedSince(ctx context.Context, party string, id int64) (bool, error) {
	var replied bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE party_id = ? AND from_operator = 0 AND id > ?)`,
		party, id).Scan(&replied)
	if err != nil {
		return false, fmt.Errorf("check replies: %w", err)
	}
	return replied, nil
}

// ListByParty returns the conversation with a party, oldest first.
func (db *DB) ListByParty(ctx context.Context, party string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE party_id = ?
		ORDER BY id ASC`, party)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListParties returns every party with at least one message, most recently
// active first. The name is the latest sender name seen on a message the
// party itself authored; operator names never leak into it.
func (db *DB) ListParties(ctx context.Context) ([]Party, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.party_id,
			COALESCE((
				SELECT u.sender_name FROM messages u
				WHERE u.party_id = m.party_id AND u.from_operator = 0 AND u.sender_name <> ''
				ORDER BY u.id DESC LIMIT 1
			), ''),
			MAX(m.created_at),
			COUNT(*)
		FROM messages m
		GROUP BY m.party_id
		ORDER BY MAX(m.id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var parties []Party
	for rows.Next() {
		var (
			p    Party
			last int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &last, &p.Messages); err != nil {
			return nil, err
		}
		p.LastMessageAt = time.UnixMilli(last).UTC()
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// transition moves one message from -> to inside tx and appends the audit row.
func transition(ctx context.Context, tx *sql.Tx, id int64, from, to status.Status, now int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_status_history (message_id, from_status, to_status, changed_at)
		VALUES (?, ?, ?, ?)`, id, string(from), string(to), now); err != nil {
		return fmt.Errorf("record status history: %w", err)
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id int64) (status.Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status.Parse(st)
}

// SetStatus moves a message to the given status. Setting the current status
// is a no-op and reports changed=false. A disallowed move returns
// ErrInvalidTransition and leaves the row untouched.
func (db *DB) SetStatus(ctx context.Context, id int64, to status.Status) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if from == to {
		return false, nil
	}
	if err := status.Check(from, to); err != nil {
		return false, fmt.Errorf("%w: message %d: %w", ErrInvalidTransition, id, err)
	}
	if err := transition(ctx, tx, id, from, to, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// MarkDelivered records the provider handle for a message and moves it to
// delivered when that is still a forward move. The handle is stored even when
// the status is left alone so a later delete can reach the remote copy. An
// empty mediaRef keeps the stored reference. The updated message is returned.
func (db *DB) MarkDelivered(ctx context.Context, id int64, handle, mediaRef string) (*Message, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET handle = ?, media_ref = CASE WHEN ? <> '' THEN ? ELSE media_ref END
		WHERE id = ?`, handle, mediaRef, mediaRef, id); err != nil {
		return nil, false, fmt.Errorf("record handle: %w", err)
	}
	changed := status.CanTransition(from, status.Delivered)
	if changed {
		if err := transition(ctx, tx, id, from, status.Delivered, time.Now().UnixMilli()); err != nil {
			return nil, false, err
		}
	}
	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, false, fmt.Errorf("reload message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return m, changed, nil
}

// bulkTransition moves every message selected by where/args to the target
// status in one transaction and returns the committed changes in id order.
func (db *DB) bulkTransition(ctx context.Context, to status.Status, where string, args ...any) ([]status.Change, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, party_id, status FROM messages WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	var todo []status.Change
	for rows.Next() {
		var (
			c  status.Change
			st string
		)
		if err := rows.Scan(&c.MessageID, &c.PartyID, &st); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.From = status.Status(st)
		c.To = to
		if status.CanTransition(c.From, to) {
			todo = append(todo, c)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().UnixMilli()
	for _, c := range todo {
		if err := transition(ctx, tx, c.MessageID, c.From, to, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return todo, nil
}

// BulkMarkDeleted marks every non-deleted message of a party deleted.
func (db *DB) BulkMarkDeleted(ctx context.Context, party string) ([]status.Change, error) {
	return db.bulkTransition(ctx, status.Deleted, `party_id = ? AND status <> ?`, party, string(status.Deleted))
}

// MarkOperatorMessagesRead moves the operator's delivered messages to a
// party to read. Called when the party writes back. Messages still in flight
// stay sent so a later transport failure can record them as failed.
func (db *DB) MarkOperatorMessagesRead(ctx context.Context, party string) ([]status.Change, error) {
	return db.bulkTransition(ctx, status.Read, `party_id = ? AND from_operator = 1 AND status = ?`,
		party, string(status.Delivered))
}

// StatusHistory returns the audited transitions of a message, oldest first.
func (db *DB) StatusHistory(ctx context.Context, id int64) ([]Transition, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, from_status, to_status, changed_at
		FROM message_status_history
		WHERE message_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&tr.MessageID, &from, &to, &at); err != nil {
			return nil, err
		}
		tr.From = status.Status(from)
		tr.To = status.Status(to)
		tr.ChangedAt = time.UnixMilli(at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Counts returns the number of stored messages and distinct parties.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT party_id) FROM messages`).Scan(&c.Messages, &c.Parties)
	if err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}
