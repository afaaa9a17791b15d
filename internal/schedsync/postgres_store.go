package schedsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresSessionsTable   = "schedsync_sessions"
	postgresTombstonesTable = "schedsync_tombstones"
	postgresOpTimeout       = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the lib/pq-backed LocalStore. Schema is created lazily on
// first use so a fresh database needs no migration step.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	now    func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
		now:    time.Now,
	}, nil
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		schema := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresSessionsTable + ` (
				id TEXT PRIMARY KEY,
				scope_id TEXT NOT NULL,
				coach_id INTEGER NOT NULL DEFAULT 0,
				player_id INTEGER NOT NULL DEFAULT 0,
				title TEXT NOT NULL DEFAULT '',
				start_time TIMESTAMPTZ NOT NULL,
				end_time TIMESTAMPTZ NOT NULL,
				status TEXT NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				external_event_id TEXT NOT NULL DEFAULT '',
				content_hash TEXT NOT NULL DEFAULT '',
				synced_hash TEXT NOT NULL DEFAULT '',
				last_synced_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL,
				source TEXT NOT NULL DEFAULT 'app',
				version BIGINT NOT NULL DEFAULT 1,
				dirty BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresSessionsTable + `_scope_external_idx
				ON ` + postgresSessionsTable + ` (scope_id, external_event_id)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresSessionsTable + `_scope_dirty_idx
				ON ` + postgresSessionsTable + ` (scope_id, dirty)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresTombstonesTable + ` (
				session_id TEXT PRIMARY KEY,
				scope_id TEXT NOT NULL,
				external_event_id TEXT NOT NULL,
				deleted_at TIMESTAMPTZ NOT NULL
			)`,
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

const sessionColumns = `id, scope_id, coach_id, player_id, title, start_time, end_time,
	status, notes, external_event_id, content_hash, synced_hash, last_synced_at,
	updated_at, source, version, dirty`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var lastSynced sql.NullTime
	err := row.Scan(
		&s.ID, &s.ScopeID, &s.CoachID, &s.PlayerID, &s.Title, &s.Start, &s.End,
		&s.Status, &s.Notes, &s.ExternalEventID, &s.ContentHash, &s.SyncedHash,
		&lastSynced, &s.UpdatedAt, &s.Source, &s.Version, &s.Dirty,
	)
	if err != nil {
		return Session{}, err
	}
	if lastSynced.Valid {
		s.LastSyncedAt = lastSynced.Time
	}
	return s, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM `+postgresSessionsTable+` WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, scopeID, externalEventID string) (Session, error) {
	if strings.TrimSpace(externalEventID) == "" {
		return Session{}, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM `+postgresSessionsTable+`
		 WHERE scope_id = $1 AND external_event_id = $2`, scopeID, externalEventID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSyncable(ctx context.Context, scopeID string) ([]Session, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM `+postgresSessionsTable+`
		 WHERE scope_id = $1 AND (dirty OR external_event_id <> '')
		 ORDER BY id ASC`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		s, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	if strings.TrimSpace(s.ScopeID) == "" || s.Start.IsZero() || s.End.IsZero() {
		return Session{}, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	if s.Source == "" {
		s.Source = SourceApp
	}
	s.Version = 1
	s.ContentHash = SessionFingerprint(s)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = p.now()
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	var lastSynced any
	if !s.LastSyncedAt.IsZero() {
		lastSynced = s.LastSyncedAt
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+postgresSessionsTable+` (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		s.ID, s.ScopeID, s.CoachID, s.PlayerID, s.Title, s.Start, s.End,
		s.Status, s.Notes, s.ExternalEventID, s.ContentHash, s.SyncedHash,
		lastSynced, s.UpdatedAt, s.Source, s.Version, s.Dirty,
	)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s Session) (Session, error) {
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	current, err := p.GetSession(ctx, s.ID)
	if err != nil {
		return Session{}, err
	}
	current.Title = s.Title
	current.Start = s.Start
	current.End = s.End
	current.Status = s.Status
	current.Notes = s.Notes
	current.CoachID = s.CoachID
	current.PlayerID = s.PlayerID
	current.Dirty = s.Dirty
	if s.ExternalEventID != "" {
		current.ExternalEventID = s.ExternalEventID
	}
	current.Version++
	current.ContentHash = SessionFingerprint(current)
	if s.UpdatedAt.IsZero() {
		current.UpdatedAt = p.now()
	} else {
		current.UpdatedAt = s.UpdatedAt
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	_, err = p.db.ExecContext(ctx,
		`UPDATE `+postgresSessionsTable+` SET
			coach_id = $2, player_id = $3, title = $4, start_time = $5, end_time = $6,
			status = $7, notes = $8, external_event_id = $9, content_hash = $10,
			updated_at = $11, version = $12, dirty = $13
		 WHERE id = $1`,
		current.ID, current.CoachID, current.PlayerID, current.Title, current.Start,
		current.End, current.Status, current.Notes, current.ExternalEventID,
		current.ContentHash, current.UpdatedAt, current.Version, current.Dirty,
	)
	if err != nil {
		return Session{}, err
	}
	return current, nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	s, err := p.GetSession(ctx, id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+postgresSessionsTable+` WHERE id = $1`, id); err != nil {
		return err
	}
	if s.ExternalEventID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+postgresTombstonesTable+` (session_id, scope_id, external_event_id, deleted_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id) DO NOTHING`,
			id, s.ScopeID, s.ExternalEventID, p.now()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *PostgresStore) MarkSynced(ctx context.Context, id, externalEventID, syncedHash string, at time.Time) (Session, error) {
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE `+postgresSessionsTable+` SET
			external_event_id = CASE WHEN $2 <> '' THEN $2 ELSE external_event_id END,
			synced_hash = $3, last_synced_at = $4, dirty = FALSE
		 WHERE id = $1`,
		id, externalEventID, syncedHash, at)
	if err != nil {
		return Session{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Session{}, ErrNotFound
	}
	return p.GetSession(ctx, id)
}

func (p *PostgresStore) MarkDirty(ctx context.Context, id string) (Session, error) {
	if err := p.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE `+postgresSessionsTable+` SET dirty = TRUE WHERE id = $1`, id)
	if err != nil {
		return Session{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Session{}, ErrNotFound
	}
	return p.GetSession(ctx, id)
}

func (p *PostgresStore) ListTombstones(ctx context.Context, scopeID string) ([]Tombstone, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT session_id, scope_id, external_event_id, deleted_at
		 FROM `+postgresTombstonesTable+`
		 WHERE scope_id = $1 ORDER BY session_id ASC`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tombstones := make([]Tombstone, 0)
	for rows.Next() {
		var t Tombstone
		if scanErr := rows.Scan(&t.SessionID, &t.ScopeID, &t.ExternalEventID, &t.DeletedAt); scanErr != nil {
			return nil, scanErr
		}
		tombstones = append(tombstones, t)
	}
	return tombstones, rows.Err()
}

func (p *PostgresStore) PurgeTombstone(ctx context.Context, sessionID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		`DELETE FROM `+postgresTombstonesTable+` WHERE session_id = $1`, sessionID)
	return err
}
