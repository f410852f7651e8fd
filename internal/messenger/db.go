// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package messenger reads the messaging app's SQLite database and media
// directory. Both belong to the app, not to the relay: the database is
// opened strictly read-only, and the only write the relay ever performs
// against the media directory is the post-delivery file removal.
package messenger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// mediaQualityDirs are the subdirectories of the media root, probed in
// order of preference. The app writes the same attachment at several
// qualities; the relay forwards the best one it can find.
var mediaQualityDirs = []string{"high", "preview", "low", "audio"}

// Message is one row of the app's message table, joined with its thread's
// sender address.
type Message struct {
	ID           int64
	ThreadID     int64
	Text         string
	SentAt       time.Time
	AttachmentID string
	SourcePhone  string

	Latitude  *float64
	Longitude *float64
	Altitude  *float64
}

// HasMedia reports whether the message references an attachment.
func (m *Message) HasMedia() bool {
	return m.AttachmentID != ""
}

// DB is a read-only view of the messaging app's storage.
type DB struct {
	pool      *sqlitex.Pool
	mediaRoot string
	mediaExts []string
}

// Open opens the app's database read-only and binds the media directory.
// The app holds the database open with WAL journaling while the relay
// reads it, so the pool stays small and every statement tolerates
// SQLITE_BUSY via a busy timeout.
func Open(dbPath, mediaRoot string, mediaExts []string) (*DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("messenger database: %w", err)
	}
	if info, err := os.Stat(mediaRoot); err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("media root %s is not a directory", mediaRoot)
	}

	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadOnly | sqlite.OpenURI | sqlite.OpenNoMutex,
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=2500", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open messenger database %s: %w", dbPath, err)
	}

	return &DB{
		pool:      pool,
		mediaRoot: mediaRoot,
		mediaExts: mediaExts,
	}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.pool.Close()
}

// MaxMessageID returns the highest message ID, 0 for an empty table. Used
// to seed the poll cursor so a fresh relay does not replay history.
func (d *DB) MaxMessageID(ctx context.Context) (int64, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	var maxID int64
	err = sqlitex.Execute(conn, "SELECT IFNULL(MAX(id), 0) FROM message", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			maxID = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	return maxID, nil
}

const messagesAfterQuery = `
SELECT m.id, COALESCE(m.text, ''), m.message_thread_id, m.sent_time,
       COALESCE(m.media_attachment_id, ''), COALESCE(t.addresses, ''),
       m.latitude, m.longitude, m.altitude
FROM message m
LEFT JOIN message_thread t ON t.id = m.message_thread_id
WHERE m.id > :last_id
ORDER BY m.id ASC
LIMIT :limit`

// MessagesAfter returns up to limit messages with ID greater than lastID,
// ascending. Includes messages without media; the caller decides what to
// do with plain texts (they carry the ack commands).
func (d *DB) MessagesAfter(ctx context.Context, lastID int64, limit int) ([]Message, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var msgs []Message
	err = sqlitex.Execute(conn, messagesAfterQuery, &sqlitex.ExecOptions{
		Named: map[string]any{
			":last_id": lastID,
			":limit":   limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg := Message{
				ID:           stmt.ColumnInt64(0),
				Text:         stmt.ColumnText(1),
				ThreadID:     stmt.ColumnInt64(2),
				SentAt:       sentTime(stmt.ColumnInt64(3)),
				AttachmentID: stmt.ColumnText(4),
				SourcePhone:  stmt.ColumnText(5),
			}
			if !stmt.ColumnIsNull(6) {
				v := stmt.ColumnFloat(6)
				msg.Latitude = &v
			}
			if !stmt.ColumnIsNull(7) {
				v := stmt.ColumnFloat(7)
				msg.Longitude = &v
			}
			if !stmt.ColumnIsNull(8) {
				v := stmt.ColumnFloat(8)
				msg.Altitude = &v
			}
			msgs = append(msgs, msg)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages after %d: %w", lastID, err)
	}
	return msgs, nil
}

const attachmentQuery = `
SELECT mr.media_type, COALESCE(mf.file_id, '')
FROM media_attachment_record mr
LEFT JOIN media_attachment_file mf ON mf.attachment_id = mr.attachment_id
WHERE mr.attachment_id = :attachment_id
ORDER BY IFNULL(mf.fileSize, 0) DESC
LIMIT 1`

// AttachmentFileID resolves an attachment to its media type and file ID,
// preferring the largest file variant. The file ID may be empty when the
// app has registered the attachment but not yet written the file row.
func (d *DB) AttachmentFileID(ctx context.Context, attachmentID string) (mediaType, fileID string, err error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return "", "", err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, attachmentQuery, &sqlitex.ExecOptions{
		Named: map[string]any{":attachment_id": attachmentID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mediaType = stmt.ColumnText(0)
			fileID = stmt.ColumnText(1)
			return nil
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("attachment %s: %w", attachmentID, err)
	}
	return mediaType, fileID, nil
}

// FindMediaPath probes the media quality directories for the attachment's
// file, trying the file ID first and falling back to the attachment ID
// (the app names files inconsistently across versions). Returns "" while
// the file has not been written yet.
func (d *DB) FindMediaPath(fileID, attachmentID string) string {
	var ids []string
	for _, id := range []string{fileID, attachmentID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		for _, dir := range mediaQualityDirs {
			for _, ext := range d.mediaExts {
				p := filepath.Join(d.mediaRoot, dir, id+"."+ext)
				if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
					return p
				}
			}
		}
	}
	return ""
}

// FileSize returns the current size of a media file, or -1 if it cannot
// be statted. Used by the stability check that holds an event back until
// the app has finished writing the file.
func (d *DB) FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// sentTime converts the app's sent_time column to a UTC timestamp. Older
// app versions store seconds, newer ones milliseconds.
func sentTime(v int64) time.Time {
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
