package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"leakmark/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 50
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 10 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	_, err = s.db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	query := `
	CREATE TABLE IF NOT EXISTS distributions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		media_type TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		encrypted_dek BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS copies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		distribution_id INTEGER NOT NULL REFERENCES distributions(id) ON DELETE CASCADE,
		recipient TEXT NOT NULL,
		token_hex TEXT NOT NULL,
		encrypted_content BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS token_shares (
		share_key TEXT NOT NULL,
		token_hex TEXT NOT NULL,
		distribution_id INTEGER NOT NULL REFERENCES distributions(id) ON DELETE CASCADE,
		recipient TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_copies_distribution ON copies(distribution_id);
	CREATE INDEX IF NOT EXISTS idx_shares_key ON token_shares(share_key);
	CREATE INDEX IF NOT EXISTS idx_shares_distribution ON token_shares(distribution_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_copies_recipient ON copies(distribution_id, recipient);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_copies_token ON copies(token_hex);
	`
	if _, err = s.db.Exec(query); err != nil {
		return err
	}
	// Distributions left pending by a crash mid-create have no copies or
	// shares worth keeping.
	_, err = s.db.Exec("DELETE FROM distributions WHERE complete = 0")
	return err
}

// CreateDistribution allocates a pending distribution row, runs build with
// the assigned id while no transaction is held, then commits the copies and
// share-index rows and marks the row complete in one short transaction.
// Readers filter on the complete flag, so a failed or crashed create leaves
// nothing visible; pending rows are swept at startup. Keeping the slow embed
// work outside the write lock lets unrelated creations proceed in parallel.
func (s *SQLite) CreateDistribution(ctx context.Context, d *domain.Distribution, build func(id int64) ([]domain.RecipientCopy, error)) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO distributions (file_name, media_type, content_hash, encrypted_dek, created_at, complete)
		VALUES (?, ?, ?, ?, ?, 0)`,
		d.FileName, string(d.MediaType), d.ContentHash, d.EncryptedDEK, d.CreatedAt,
	)
	if err != nil {
		s.recordError(err)
		return 0, domain.StorageErr("insert distribution", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.recordError(err)
		return 0, domain.StorageErr("distribution id", err)
	}

	copies, err := build(id)
	if err != nil {
		s.abortDistribution(id)
		return 0, err
	}

	if err := s.finalizeDistribution(ctx, id, copies); err != nil {
		s.abortDistribution(id)
		return 0, err
	}
	s.recordError(nil)
	return id, nil
}

func (s *SQLite) finalizeDistribution(ctx context.Context, id int64, copies []domain.RecipientCopy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError(err)
		return domain.StorageErr("begin finalize tx", err)
	}
	defer tx.Rollback()

	copyStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO copies (distribution_id, recipient, token_hex, encrypted_content)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		s.recordError(err)
		return domain.StorageErr("prepare copy insert", err)
	}
	defer copyStmt.Close()
	shareStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_shares (share_key, token_hex, distribution_id, recipient)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		s.recordError(err)
		return domain.StorageErr("prepare share insert", err)
	}
	defer shareStmt.Close()

	for i := range copies {
		c := &copies[i]
		res, err := copyStmt.ExecContext(ctx, id, c.Recipient, c.TokenHex, c.EncryptedContent)
		if err != nil {
			s.recordError(err)
			return domain.StorageErr("insert copy", err)
		}
		c.ID, _ = res.LastInsertId()
		for _, key := range c.ShareKeys {
			if _, err := shareStmt.ExecContext(ctx, key, c.TokenHex, id, c.Recipient); err != nil {
				s.recordError(err)
				return domain.StorageErr("insert token share", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE distributions SET complete = 1 WHERE id = ?`, id); err != nil {
		s.recordError(err)
		return domain.StorageErr("mark complete", err)
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return domain.StorageErr("commit distribution", err)
	}
	return nil
}

// abortDistribution drops a pending row after a failed build or finalize.
// Runs on a fresh context so cleanup happens even when the request context
// is already cancelled.
func (s *SQLite) abortDistribution(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM distributions WHERE id = ?`, id); err != nil {
		s.recordError(err)
	}
}

func (s *SQLite) GetDistribution(ctx context.Context, id int64) (*domain.Distribution, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var d domain.Distribution
	var media string
	err := s.db.QueryRowContext(queryCtx, `
		SELECT id, file_name, media_type, content_hash, encrypted_dek, created_at
		FROM distributions WHERE id = ? AND complete = 1`, id,
	).Scan(&d.ID, &d.FileName, &media, &d.ContentHash, &d.EncryptedDEK, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, domain.StorageErr("get distribution", err)
	}
	d.MediaType = domain.MediaType(media)

	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, recipient, token_hex FROM copies
		WHERE distribution_id = ? ORDER BY id`, id)
	s.recordError(err)
	if err != nil {
		return nil, domain.StorageErr("get distribution copies", err)
	}
	defer rows.Close()
	for rows.Next() {
		c := domain.RecipientCopy{DistributionID: id}
		if err := rows.Scan(&c.ID, &c.Recipient, &c.TokenHex); err != nil {
			return nil, domain.StorageErr("scan copy", err)
		}
		d.Copies = append(d.Copies, c)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, domain.StorageErr("iterate copies", err)
	}
	return &d, nil
}

// ListDistributions returns summaries most recent first.
func (s *SQLite) ListDistributions(ctx context.Context) ([]domain.Summary, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT d.id, d.file_name, d.media_type, d.created_at, c.recipient
		FROM distributions d
		LEFT JOIN copies c ON c.distribution_id = d.id
		WHERE d.complete = 1
		ORDER BY d.created_at DESC, d.id DESC, c.id ASC`)
	s.recordError(err)
	if err != nil {
		return nil, domain.StorageErr("list distributions", err)
	}
	defer rows.Close()

	out := []domain.Summary{}
	for rows.Next() {
		var (
			id        int64
			fileName  string
			media     string
			createdAt time.Time
			recipient sql.NullString
		)
		if err := rows.Scan(&id, &fileName, &media, &createdAt, &recipient); err != nil {
			return nil, domain.StorageErr("scan summary", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, domain.Summary{
				ID:        id,
				FileName:  fileName,
				MediaType: domain.MediaType(media),
				CreatedAt: createdAt,
			})
		}
		if recipient.Valid {
			last := &out[len(out)-1]
			last.Recipients = append(last.Recipients, recipient.String)
		}
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, domain.StorageErr("iterate summaries", err)
	}
	return out, nil
}

// CopiesWithContent loads the sealed copy blobs for a distribution, used by
// the bundle builder.
func (s *SQLite) CopiesWithContent(ctx context.Context, distributionID int64) ([]domain.RecipientCopy, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, recipient, token_hex, encrypted_content
		FROM copies WHERE distribution_id = ? ORDER BY id`, distributionID)
	s.recordError(err)
	if err != nil {
		return nil, domain.StorageErr("load copies", err)
	}
	defer rows.Close()
	var out []domain.RecipientCopy
	for rows.Next() {
		c := domain.RecipientCopy{DistributionID: distributionID}
		if err := rows.Scan(&c.ID, &c.Recipient, &c.TokenHex, &c.EncryptedContent); err != nil {
			return nil, domain.StorageErr("scan copy content", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, domain.StorageErr("iterate copy content", err)
	}
	return out, nil
}

// GetCopy loads one sealed copy plus the distribution fields needed to name
// and unseal it.
func (s *SQLite) GetCopy(ctx context.Context, copyID int64) (*domain.RecipientCopy, *domain.Distribution, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		c     domain.RecipientCopy
		d     domain.Distribution
		media string
	)
	err := s.db.QueryRowContext(queryCtx, `
		SELECT c.id, c.distribution_id, c.recipient, c.token_hex, c.encrypted_content,
		       d.file_name, d.media_type, d.encrypted_dek, d.created_at
		FROM copies c JOIN distributions d ON d.id = c.distribution_id
		WHERE c.id = ?`, copyID,
	).Scan(&c.ID, &c.DistributionID, &c.Recipient, &c.TokenHex, &c.EncryptedContent,
		&d.FileName, &media, &d.EncryptedDEK, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, nil, domain.StorageErr("get copy", err)
	}
	d.ID = c.DistributionID
	d.MediaType = domain.MediaType(media)
	return &c, &d, nil
}

// ShareEntries streams the persisted reverse index, used to rebuild the
// in-memory index at startup.
func (s *SQLite) ShareEntries(ctx context.Context) ([]domain.ShareEntry, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT t.share_key, t.token_hex, t.distribution_id, t.recipient, d.created_at
		FROM token_shares t JOIN distributions d ON d.id = t.distribution_id
		WHERE d.complete = 1`)
	s.recordError(err)
	if err != nil {
		return nil, domain.StorageErr("load share entries", err)
	}
	defer rows.Close()
	var out []domain.ShareEntry
	for rows.Next() {
		var e domain.ShareEntry
		if err := rows.Scan(&e.ShareKey, &e.TokenHex, &e.DistributionID, &e.Recipient, &e.CreatedAt); err != nil {
			return nil, domain.StorageErr("scan share entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, domain.StorageErr("iterate share entries", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(queryCtx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
