// Package policystore persists service policies in SQLite.
package policystore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botcore/pkg/service"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store implements service.PolicyStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the database file and schema if needed. ":memory:" keeps the
// store in memory.
func Open(path string, log *slog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("policy store path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create policy store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure policy store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log = log.With("component", "policystore")
	log.Info("Policy store opened", "path", path)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, name string) (service.Policy, bool, error) {
	var (
		p         service.Policy
		enabled   int
		scope     string
		blockList string
		allowList string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, pm, priority, scope, block_list, allow_list
		FROM sv_policy WHERE name = ?
	`, name).Scan(&enabled, &p.PM, &p.Priority, &scope, &blockList, &allowList)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Policy{}, false, nil
	}
	if err != nil {
		return service.Policy{}, false, fmt.Errorf("load policy %s: %w", name, err)
	}

	p.Enabled = enabled != 0
	p.Scope, err = service.ParseScope(scope)
	if err != nil {
		return service.Policy{}, false, fmt.Errorf("load policy %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(blockList), &p.BlockList); err != nil {
		return service.Policy{}, false, fmt.Errorf("decode block list for %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(allowList), &p.AllowList); err != nil {
		return service.Policy{}, false, fmt.Errorf("decode allow list for %s: %w", name, err)
	}

	return p, true, nil
}

func (s *Store) Save(ctx context.Context, name string, p service.Policy) error {
	blockList, err := encodeList(p.BlockList)
	if err != nil {
		return err
	}
	allowList, err := encodeList(p.AllowList)
	if err != nil {
		return err
	}

	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	scope := p.Scope
	if scope == "" {
		scope = service.ScopeAll
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sv_policy (name, enabled, pm, priority, scope, block_list, allow_list, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			pm = excluded.pm,
			priority = excluded.priority,
			scope = excluded.scope,
			block_list = excluded.block_list,
			allow_list = excluded.allow_list,
			updated_at = excluded.updated_at
	`, name, enabled, p.PM, p.Priority, string(scope), blockList, allowList, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save policy %s: %w", name, err)
	}

	s.log.Debug("Policy saved", "service", name)
	return nil
}

// Names lists every persisted service name in alphabetical order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sv_policy ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func encodeList(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode id list: %w", err)
	}
	return string(data), nil
}
