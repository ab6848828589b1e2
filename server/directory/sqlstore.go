package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore is the SQLite-backed directory service.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (and if needed initializes) the directory database.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			addr TEXT NOT NULL,
			is_up INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS resources (
			client_id INTEGER NOT NULL,
			image_id TEXT NOT NULL,
			PRIMARY KEY (client_id, image_id),
			FOREIGN KEY (client_id) REFERENCES clients(id)
		);

		CREATE TABLE IF NOT EXISTS pending_rights (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			viewer_addr TEXT NOT NULL,
			image_id TEXT NOT NULL,
			views INTEGER NOT NULL,
			queued_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_clients_up ON clients(is_up);
		CREATE INDEX IF NOT EXISTS idx_pending_viewer ON pending_rights(viewer_addr);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	return nil
}

func (s *SQLStore) Register(ctx context.Context, addr string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO clients (addr, is_up) VALUES (?, 1)", addr)
	if err != nil {
		return 0, wrapBackend(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapBackend(err)
	}
	return id, nil
}

func (s *SQLStore) SignIn(ctx context.Context, clientID int64, addr string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE clients SET addr = ?, is_up = 1 WHERE id = ?", addr, clientID)
	if err != nil {
		return wrapBackend(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrapBackend(err)
	}
	if rows == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (s *SQLStore) ActivePeers(ctx context.Context, excluding int64) ([]PeerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.addr, r.image_id
		FROM clients c
		LEFT JOIN resources r ON r.client_id = c.id
		WHERE c.is_up = 1 AND c.id != ?
		ORDER BY c.id`, excluding)
	if err != nil {
		return nil, wrapBackend(err)
	}
	defer rows.Close()

	var peers []PeerInfo
	byID := make(map[int64]int)
	for rows.Next() {
		var (
			id      int64
			addr    string
			imageID sql.NullString
		)
		if err := rows.Scan(&id, &addr, &imageID); err != nil {
			return nil, wrapBackend(err)
		}
		idx, seen := byID[id]
		if !seen {
			peers = append(peers, PeerInfo{ClientID: id, Addr: addr})
			idx = len(peers) - 1
			byID[id] = idx
		}
		if imageID.Valid {
			peers[idx].ImageIDs = append(peers[idx].ImageIDs, imageID.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend(err)
	}
	return peers, nil
}

func (s *SQLStore) Shutdown(ctx context.Context, clientID int64) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE clients SET is_up = 0 WHERE id = ?", clientID); err != nil {
		return wrapBackend(err)
	}
	return nil
}

func (s *SQLStore) ShutdownByAddr(ctx context.Context, addr string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE clients SET is_up = 0 WHERE addr = ?", addr); err != nil {
		return wrapBackend(err)
	}
	return nil
}

func (s *SQLStore) AddResource(ctx context.Context, clientID int64, imageID string) error {
	// Upsert keeps re-uploads idempotent; view accounting never lives
	// in this table.
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO resources (client_id, image_id) VALUES (?, ?)",
		clientID, imageID); err != nil {
		return wrapBackend(err)
	}
	return nil
}

func (s *SQLStore) QueuePendingRights(ctx context.Context, viewerAddr, imageID string, views uint16) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_rights (viewer_addr, image_id, views) VALUES (?, ?, ?)",
		viewerAddr, imageID, views); err != nil {
		return wrapBackend(err)
	}
	return nil
}

func (s *SQLStore) DrainPendingRights(ctx context.Context, clientID int64) ([]PendingRights, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapBackend(err)
	}
	defer tx.Rollback()

	var addr string
	err = tx.QueryRowContext(ctx,
		"SELECT addr FROM clients WHERE id = ?", clientID).Scan(&addr)
	if err == sql.ErrNoRows {
		return nil, ErrClientNotFound
	} else if err != nil {
		return nil, wrapBackend(err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, image_id, views FROM pending_rights WHERE viewer_addr = ? ORDER BY id", addr)
	if err != nil {
		return nil, wrapBackend(err)
	}

	var (
		drained []PendingRights
		rowIDs  []int64
	)
	for rows.Next() {
		var (
			rowID int64
			pr    PendingRights
		)
		if err := rows.Scan(&rowID, &pr.ImageID, &pr.Views); err != nil {
			rows.Close()
			return nil, wrapBackend(err)
		}
		drained = append(drained, pr)
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Close(); err != nil {
		return nil, wrapBackend(err)
	}

	// Delete inside the same transaction: each grant is delivered
	// exactly once.
	for _, rowID := range rowIDs {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_rights WHERE id = ?", rowID); err != nil {
			return nil, wrapBackend(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapBackend(err)
	}
	return drained, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func wrapBackend(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
