package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Store persists audit events and rotation history to Postgres. Writes are
// asynchronous and best-effort: a full queue drops the event with a log line
// rather than blocking the request path. Vault remains the source of truth
// for credentials; the rows here are an operator-facing mirror.
type Store struct {
	db     *sql.DB
	queue  chan *Event
	logger *slog.Logger
	done   chan struct{}
}

const schema = `
CREATE TABLE IF NOT EXISTS authentication_events (
	event_id    UUID PRIMARY KEY,
	event_type  TEXT NOT NULL,
	client_id   TEXT,
	token_mask  TEXT,
	request_id  TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	event_time  TIMESTAMPTZ NOT NULL,
	attributes  JSONB
);
CREATE INDEX IF NOT EXISTS idx_auth_events_client_time
	ON authentication_events (client_id, event_time);

CREATE TABLE IF NOT EXISTS tokens (
	jti        TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	key_id     TEXT NOT NULL,
	issued_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_client ON tokens (client_id);

CREATE TABLE IF NOT EXISTS credentials (
	client_id  TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	active     BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credential_rotation_history (
	rotation_id        UUID PRIMARY KEY,
	client_id          TEXT NOT NULL,
	state              TEXT NOT NULL,
	old_version        TEXT,
	new_version        TEXT,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	transition_seconds INT,
	reason             TEXT,
	forced             BOOLEAN NOT NULL DEFAULT FALSE,
	message            TEXT,
	superseded_by      TEXT
);
CREATE INDEX IF NOT EXISTS idx_rotation_history_client
	ON credential_rotation_history (client_id);
`

// NewStore connects to Postgres, applies the schema, and starts the async
// writer.
func NewStore(dbURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	s := &Store{
		db:     db,
		queue:  make(chan *Event, 1024),
		logger: logger.With("component", "audit-store"),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Attach subscribes the store to every event on the bus.
func (s *Store) Attach(bus *Bus) {
	ch := bus.Subscribe()
	go func() {
		for e := range ch {
			s.Enqueue(e)
		}
	}()
}

// Enqueue schedules an event for persistence. Drops when the queue is full.
func (s *Store) Enqueue(e *Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("audit write queue full, dropping event",
			"event_type", e.Type, "event_id", e.EventID)
	}
}

func (s *Store) writer() {
	for {
		select {
		case e := <-s.queue:
			if err := s.insert(e); err != nil {
				s.logger.Error("audit insert failed", "event_id", e.EventID, "error", err)
			}
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-s.queue:
					if err := s.insert(e); err != nil {
						s.logger.Error("audit insert failed during drain", "event_id", e.EventID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(e *Event) error {
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		attrs = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authentication_events
			(event_id, event_type, client_id, token_mask, request_id, seq, event_time, attributes)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, string(e.Type), e.ClientID, e.TokenMask, e.RequestID, e.Seq, e.Time, attrs)
	return err
}

// RecordToken mirrors a minted token (identifiers only, never the token
// itself) for the jti-indexed reporting table.
func (s *Store) RecordToken(ctx context.Context, jti, clientID, keyID string, issuedAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (jti, client_id, key_id, issued_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5) ON CONFLICT (jti) DO NOTHING`,
		jti, clientID, keyID, issuedAt, expiresAt)
	return err
}

// RecordCredential upserts the reporting row for a client's active version.
func (s *Store) RecordCredential(ctx context.Context, clientID, version string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (client_id, version, active, updated_at)
		 VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (client_id) DO UPDATE
		   SET version = EXCLUDED.version, active = EXCLUDED.active, updated_at = NOW()`,
		clientID, version, active)
	return err
}

// RotationRow is the persisted form of a rotation record.
type RotationRow struct {
	RotationID        string
	ClientID          string
	State             string
	OldVersion        string
	NewVersion        string
	StartedAt         time.Time
	CompletedAt       *time.Time
	TransitionSeconds int
	Reason            string
	Forced            bool
	Message           string
	SupersededBy      string
}

// UpsertRotation writes the current state of a rotation record. Called on
// every transition so history survives restarts.
func (s *Store) UpsertRotation(ctx context.Context, r RotationRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_rotation_history
			(rotation_id, client_id, state, old_version, new_version, started_at,
			 completed_at, transition_seconds, reason, forced, message, superseded_by)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (rotation_id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			message = EXCLUDED.message,
			superseded_by = EXCLUDED.superseded_by`,
		r.RotationID, r.ClientID, r.State, r.OldVersion, r.NewVersion, r.StartedAt,
		r.CompletedAt, r.TransitionSeconds, r.Reason, r.Forced, r.Message, r.SupersededBy)
	return err
}

// Ping reports connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the writer and closes the database handle.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
}
