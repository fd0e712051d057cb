package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed pull history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Pull Operations
// ============================================================================

const pullColumns = `
	id, reference, host, repository, tag, manifest_digest, config_digest,
	platform, archive_path, size, layer_count, status, error_message,
	start_time, end_time
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPull(row rowScanner, p *Pull) error {
	return row.Scan(
		&p.ID, &p.Reference, &p.Host, &p.Repository, &p.Tag, &p.ManifestDigest,
		&p.ConfigDigest, &p.Platform, &p.ArchivePath, &p.Size, &p.LayerCount,
		&p.Status, &p.ErrorMessage, &p.StartTime, &p.EndTime,
	)
}

// CreatePull inserts a new Pull and sets its ID
func (s *Store) CreatePull(p *Pull) error {
	const query = `
		INSERT INTO pulls (
			reference, host, repository, tag, manifest_digest, config_digest,
			platform, archive_path, size, layer_count, status, error_message,
			start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if p.Status == "" {
		p.Status = StatusRunning
	}

	result, err := s.db.Exec(
		query,
		p.Reference, p.Host, p.Repository, p.Tag, p.ManifestDigest, p.ConfigDigest,
		p.Platform, p.ArchivePath, p.Size, p.LayerCount, p.Status, p.ErrorMessage,
		p.StartTime, p.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pull: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	p.ID = id
	return nil
}

// UpdatePull updates an existing Pull by ID
func (s *Store) UpdatePull(p *Pull) error {
	const query = `
		UPDATE pulls SET
			reference = ?, host = ?, repository = ?, tag = ?, manifest_digest = ?,
			config_digest = ?, platform = ?, archive_path = ?, size = ?,
			layer_count = ?, status = ?, error_message = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		p.Reference, p.Host, p.Repository, p.Tag, p.ManifestDigest, p.ConfigDigest,
		p.Platform, p.ArchivePath, p.Size, p.LayerCount, p.Status, p.ErrorMessage,
		p.StartTime, p.EndTime, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pull: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("pull %d: %w", p.ID, ErrNotFound)
	}

	return nil
}

// GetPull retrieves a Pull by ID
func (s *Store) GetPull(id int64) (*Pull, error) {
	query := "SELECT " + pullColumns + " FROM pulls WHERE id = ?"

	p := &Pull{}
	if err := scanPull(s.db.QueryRow(query, id), p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pull %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query pull: %w", err)
	}

	return p, nil
}

// ListPulls returns pulls newest first, optionally filtered by repository
// and capped at limit when limit > 0.
func (s *Store) ListPulls(repository string, limit int) ([]Pull, error) {
	query := "SELECT " + pullColumns + " FROM pulls"
	var args []any

	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pulls: %w", err)
	}
	defer rows.Close()

	var pulls []Pull
	for rows.Next() {
		p := Pull{}
		if err := scanPull(rows, &p); err != nil {
			return nil, fmt.Errorf("failed to scan pull: %w", err)
		}
		pulls = append(pulls, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pulls: %w", err)
	}

	return pulls, nil
}

// LastSuccessfulPull returns the newest completed pull of a manifest digest.
func (s *Store) LastSuccessfulPull(manifestDigest string) (*Pull, error) {
	query := "SELECT " + pullColumns + ` FROM pulls
		WHERE manifest_digest = ? AND status = ?
		ORDER BY end_time DESC, id DESC LIMIT 1`

	p := &Pull{}
	if err := scanPull(s.db.QueryRow(query, manifestDigest, StatusCompleted), p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pull of %s: %w", manifestDigest, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query pull: %w", err)
	}
	return p, nil
}

// ============================================================================
// PullLayer Operations
// ============================================================================

// AddPullLayers records the layers of a pull in one transaction.
func (s *Store) AddPullLayers(pullID int64, layers []PullLayer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO pull_layers (pull_id, digest, diff_id, media_type, size)
		VALUES (?, ?, ?, ?, ?)
	`
	for i := range layers {
		l := &layers[i]
		l.PullID = pullID
		result, err := tx.Exec(query, pullID, l.Digest, l.DiffID, l.MediaType, l.Size)
		if err != nil {
			return fmt.Errorf("failed to insert pull layer: %w", err)
		}
		if l.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull layers: %w", err)
	}
	return nil
}

// ListPullLayers returns the layers of a pull in insertion order.
func (s *Store) ListPullLayers(pullID int64) ([]PullLayer, error) {
	const query = `
		SELECT id, pull_id, digest, diff_id, media_type, size
		FROM pull_layers WHERE pull_id = ? ORDER BY id
	`
	rows, err := s.db.Query(query, pullID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull layers: %w", err)
	}
	defer rows.Close()

	var layers []PullLayer
	for rows.Next() {
		l := PullLayer{}
		if err := rows.Scan(&l.ID, &l.PullID, &l.Digest, &l.DiffID, &l.MediaType, &l.Size); err != nil {
			return nil, fmt.Errorf("failed to scan pull layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// SumPullSize returns the total archive bytes of completed pulls.
func (s *Store) SumPullSize() (int64, error) {
	var total int64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(size), 0) FROM pulls WHERE status = ?", StatusCompleted,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pull size: %w", err)
	}
	return total, nil
}
