package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode makes the migrations load from internal/db/migrations on disk
// instead of the copy embedded in the binary.
var DevMode = false

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500
)

// pragmas are applied to every connection in the pool.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for migrations and admin routes.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses it so that migrations stay under manual control.
func OpenDB(path string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db := &DB{DB: sqlDB, path: path, logger: monitoring.Discard()}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// NewDB opens the database and applies all pending migrations.
func NewDB(path string, opts ...Option) (*DB, error) {
	db, err := OpenDB(path, opts...)
	if err != nil {
		return nil, err
	}
	migrations, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Inventory is a finished inventory cycle as stored.
type Inventory struct {
	ID          string               `json:"id"`
	Cycle       uint64               `json:"cycle"`
	TagType     string               `json:"tag_type"`
	Tags        []inventory.TagEntry `json:"tags"`
	CompletedAt time.Time            `json:"completed_at"`
}

// InventoryFromEvent converts a finished-inventory event for storage.
func InventoryFromEvent(e inventory.Event) Inventory {
	tags := e.Tags
	if tags == nil {
		tags = []inventory.TagEntry{}
	}
	return Inventory{
		Cycle:       e.Cycle,
		TagType:     e.TagType.String(),
		Tags:        tags,
		CompletedAt: e.Time,
	}
}

// Sighting is one occasion on which a tag was seen, either alone by a
// proximity reader or as part of an inventory.
type Sighting struct {
	TagID       string    `json:"tag_id"`
	TagType     string    `json:"tag_type"`
	SeenAt      time.Time `json:"seen_at"`
	InventoryID string    `json:"inventory_id,omitempty"`
}

// RecordInventory stores inv with its tags in order and returns its id. A
// new id is generated when inv.ID is empty.
func (db *DB) RecordInventory(ctx context.Context, inv Inventory) (string, error) {
	id := inv.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inventories (inventory_id, cycle, tag_type, tag_count, completed_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		id, int64(inv.Cycle), inv.TagType, len(inv.Tags), inv.CompletedAt.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to insert inventory: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO inventory_tags (inventory_id, position, tag_id) VALUES (?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, tag := range inv.Tags {
		if _, err := stmt.ExecContext(ctx, id, tag.Order, tag.ID); err != nil {
			return "", fmt.Errorf("failed to insert tag %s: %w", tag.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// RecordSighting stores a single proximity tag sighting.
func (db *DB) RecordSighting(ctx context.Context, tagID string, tagType inventory.TagType, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tag_sightings (tag_id, tag_type, seen_unix_nanos) VALUES (?, ?, ?)`,
		tagID, tagType.String(), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sighting: %w", err)
	}
	return nil
}

// RecordEvent stores the events worth keeping: finished inventories and
// proximity sightings. Other events are ignored.
func (db *DB) RecordEvent(ctx context.Context, e inventory.Event) error {
	switch e.Kind {
	case inventory.EventInventoryComplete:
		id, err := db.RecordInventory(ctx, InventoryFromEvent(e))
		if err != nil {
			return err
		}
		db.logger.Debug("inventory stored", "inventory_id", id, "cycle", e.Cycle, "tags", len(e.Tags))
		return nil
	case inventory.EventTagFound:
		return db.RecordSighting(ctx, e.TagID, e.TagType, e.Time)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}

// RecentInventories returns up to limit inventories, newest first.
func (db *DB) RecentInventories(ctx context.Context, limit int) ([]Inventory, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT i.inventory_id, i.cycle, i.tag_type, i.completed_unix_nanos, t.position, t.tag_id
		FROM (
			SELECT rowid AS seq, inventory_id, cycle, tag_type, completed_unix_nanos
			FROM inventories
			ORDER BY completed_unix_nanos DESC, rowid DESC
			LIMIT ?
		) AS i
		LEFT JOIN inventory_tags AS t ON t.inventory_id = i.inventory_id
		ORDER BY i.completed_unix_nanos DESC, i.seq DESC, t.position ASC`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inventories := []Inventory{}
	for rows.Next() {
		var (
			id        string
			cycle     int64
			tagType   string
			completed int64
			position  sql.NullInt64
			tagID     sql.NullString
		)
		if err := rows.Scan(&id, &cycle, &tagType, &completed, &position, &tagID); err != nil {
			return nil, err
		}
		if n := len(inventories); n == 0 || inventories[n-1].ID != id {
			inventories = append(inventories, Inventory{
				ID:          id,
				Cycle:       uint64(cycle),
				TagType:     tagType,
				Tags:        []inventory.TagEntry{},
				CompletedAt: time.Unix(0, completed).UTC(),
			})
		}
		if tagID.Valid {
			last := &inventories[len(inventories)-1]
			last.Tags = append(last.Tags, inventory.TagEntry{ID: tagID.String, Order: int(position.Int64)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return inventories, nil
}

// TagHistory returns up to limit sightings of tagID, newest first. Tag ids
// are compared case-insensitively.
func (db *DB) TagHistory(ctx context.Context, tagID string, limit int) ([]Sighting, error) {
	tagID = strings.ToUpper(strings.TrimSpace(tagID))
	rows, err := db.QueryContext(ctx, `
		SELECT tag_id, tag_type, seen_unix_nanos, '' AS inventory_id
		FROM tag_sightings WHERE tag_id = ?
		UNION ALL
		SELECT t.tag_id, i.tag_type, i.completed_unix_nanos, i.inventory_id
		FROM inventory_tags AS t JOIN inventories AS i ON i.inventory_id = t.inventory_id
		WHERE t.tag_id = ?
		ORDER BY 3 DESC
		LIMIT ?`,
		tagID, tagID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sightings := []Sighting{}
	for rows.Next() {
		var (
			s    Sighting
			seen int64
		)
		if err := rows.Scan(&s.TagID, &s.TagType, &seen, &s.InventoryID); err != nil {
			return nil, err
		}
		s.SeenAt = time.Unix(0, seen).UTC()
		sightings = append(sightings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sightings, nil
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Inventory DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	// remove the backup from the filesystem once it has been sent
	defer func() {
		if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			db.logger.Warn("failed to remove backup file", "path", backupPath, "error", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		db.logger.Error("failed to stream backup", "error", err)
	}
}
