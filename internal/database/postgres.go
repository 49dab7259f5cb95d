// Package database archives every frame the platform emits into Postgres,
// giving responders a queryable history of alerts, findings, plans and
// playbook runs long after the bus streams have been trimmed.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinelops/cybersentinel/internal/bus"
	"github.com/sentinelops/cybersentinel/internal/frame"
)

// archiveDurable is the durable consumer name the archive uses on every topic.
const archiveDurable = "archive"

// schema is applied on startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS frames (
	id          BIGSERIAL PRIMARY KEY,
	incident_id TEXT        NOT NULL,
	variant     TEXT        NOT NULL,
	dedup_id    TEXT        NOT NULL,
	ts          BIGINT      NOT NULL,
	payload     JSONB       NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS frames_identity
	ON frames (incident_id, variant, dedup_id);
CREATE INDEX IF NOT EXISTS frames_by_incident
	ON frames (incident_id, ts);
CREATE INDEX IF NOT EXISTS frames_by_variant
	ON frames (variant, ts);
`

// ArchivedFrame is one stored frame row.
type ArchivedFrame struct {
	ID         int64     `json:"id"`
	IncidentID string    `json:"incident_id"`
	Variant    string    `json:"variant"`
	DedupID    string    `json:"dedup_id"`
	TS         int64     `json:"ts"`
	Payload    []byte    `json:"payload"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archive is the Postgres frame sink.
type Archive struct {
	db    *sql.DB
	codec frame.Codec
	log   *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string, log *slog.Logger) (*Archive, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Archive{db: db, codec: frame.JSONCodec{}, log: log}, nil
}

// Close releases the connection pool.
func (a *Archive) Close() error {
	return a.db.Close()
}

// EnsureSchema creates the frames table and its indexes.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// ArchiveFrame stores one frame. Redelivered frames are absorbed by the
// identity index, which makes the bus handler idempotent.
func (a *Archive) ArchiveFrame(ctx context.Context, f *frame.Frame) error {
	variant, err := f.Variant()
	if err != nil {
		return err
	}
	payload, err := a.codec.Encode(f)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO frames (incident_id, variant, dedup_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (incident_id, variant, dedup_id) DO NOTHING`,
		f.IncidentID, string(variant), f.DedupID(), f.TS, payload)
	if err != nil {
		return fmt.Errorf("archive %s frame for %s: %w", variant, f.IncidentID, err)
	}
	return nil
}

// HandleFrame is the bus handler form of ArchiveFrame.
func (a *Archive) HandleFrame(ctx context.Context, f *frame.Frame) error {
	return a.ArchiveFrame(ctx, f)
}

// Attach subscribes the archive to every incident topic.
func (a *Archive) Attach(ctx context.Context, b bus.Bus, topics []string) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := b.Subscribe(ctx, topic, archiveDurable, a.HandleFrame)
		if err != nil {
			return subs, fmt.Errorf("attach archive to %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	a.log.Info("frame archive attached", "topics", topics)
	return subs, nil
}

// ============================================================================
// QUERIES
// ============================================================================

// IncidentFrames returns an incident's frames in timestamp order.
func (a *Archive) IncidentFrames(ctx context.Context, incidentID string, limit int) ([]ArchivedFrame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, incident_id, variant, dedup_id, ts, payload, archived_at
		FROM frames WHERE incident_id = $1
		ORDER BY ts ASC LIMIT $2`, incidentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query incident frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// RecentFrames returns the newest frames of one variant across incidents.
func (a *Archive) RecentFrames(ctx context.Context, variant frame.Variant, limit int) ([]ArchivedFrame, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, incident_id, variant, dedup_id, ts, payload, archived_at
		FROM frames WHERE variant = $1
		ORDER BY ts DESC LIMIT $2`, string(variant), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent %s frames: %w", variant, err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// Decode re-hydrates the frame stored in a row.
func (a *Archive) Decode(row ArchivedFrame) (*frame.Frame, error) {
	return a.codec.Decode(row.Payload)
}

// VariantCounts reports how many frames are archived per variant.
func (a *Archive) VariantCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT variant, count(*) FROM frames GROUP BY variant`)
	if err != nil {
		return nil, fmt.Errorf("query variant counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var variant string
		var n int64
		if err := rows.Scan(&variant, &n); err != nil {
			return nil, err
		}
		out[variant] = n
	}
	return out, rows.Err()
}

// Prune deletes frames older than the retention horizon and returns how many
// rows were removed.
func (a *Archive) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM frames WHERE ts < $1`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return res.RowsAffected()
}

func scanFrames(rows *sql.Rows) ([]ArchivedFrame, error) {
	var out []ArchivedFrame
	for rows.Next() {
		var af ArchivedFrame
		if err := rows.Scan(&af.ID, &af.IncidentID, &af.Variant, &af.DedupID,
			&af.TS, &af.Payload, &af.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, af)
	}
	return out, rows.Err()
}
