package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// SaveNode inserts or replaces the node row keyed by uuid.
func (s *Store) SaveNode(ctx context.Context, n api.Node) error {
	if n.UUID == "" {
		return errors.New("node uuid is required")
	}
	if n.ID == "" {
		n.ID = n.UUID
	}
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (uuid, id, base_url, api_key, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			id = excluded.id,
			base_url = excluded.base_url,
			api_key = excluded.api_key`,
		n.UUID, n.ID, n.BaseURL, n.APIKey, formatTime(n.RegisteredAt))
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.UUID, err)
	}
	return nil
}

// DeleteNode removes the node row. Missing rows are not an error.
func (s *Store) DeleteNode(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete node %s: %w", uuid, err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, uuid string) (api.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, id, base_url, api_key, registered_at FROM nodes WHERE uuid = ?`, uuid)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Node{}, ErrNotFound
	}
	if err != nil {
		return api.Node{}, fmt.Errorf("get node %s: %w", uuid, err)
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]api.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, id, base_url, api_key, registered_at FROM nodes ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []api.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (api.Node, error) {
	var n api.Node
	var registered string
	if err := sc.Scan(&n.UUID, &n.ID, &n.BaseURL, &n.APIKey, &registered); err != nil {
		return api.Node{}, err
	}
	n.RegisteredAt = parseTime(registered)
	return n, nil
}

// GetMapping reports the mapping for serverID and whether one exists.
func (s *Store) GetMapping(ctx context.Context, serverID string) (api.ServerAgentMapping, bool, error) {
	var m api.ServerAgentMapping
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT server_id, node_uuid, updated_at FROM server_mappings WHERE server_id = ?`, serverID).
		Scan(&m.ServerID, &m.NodeUUID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ServerAgentMapping{}, false, nil
	}
	if err != nil {
		return api.ServerAgentMapping{}, false, fmt.Errorf("get mapping %s: %w", serverID, err)
	}
	m.UpdatedAt = parseTime(updated)
	return m, true, nil
}

func (s *Store) SaveMapping(ctx context.Context, m api.ServerAgentMapping) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_mappings (server_id, node_uuid, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			node_uuid = excluded.node_uuid,
			updated_at = excluded.updated_at`,
		m.ServerID, m.NodeUUID, formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save mapping %s: %w", m.ServerID, err)
	}
	return nil
}

func (s *Store) DeleteMapping(ctx context.Context, serverID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM server_mappings WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("delete mapping %s: %w", serverID, err)
	}
	return nil
}

// ListMappings returns every mapping, optionally restricted to one node.
func (s *Store) ListMappings(ctx context.Context, nodeUUID string) ([]api.ServerAgentMapping, error) {
	query := `SELECT server_id, node_uuid, updated_at FROM server_mappings`
	var args []any
	if nodeUUID != "" {
		query += ` WHERE node_uuid = ?`
		args = append(args, nodeUUID)
	}
	query += ` ORDER BY server_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []api.ServerAgentMapping
	for rows.Next() {
		var m api.ServerAgentMapping
		var updated string
		if err := rows.Scan(&m.ServerID, &m.NodeUUID, &updated); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m.UpdatedAt = parseTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateServer inserts a new server record.
func (s *Store) CreateServer(ctx context.Context, srv api.Server) error {
	now := time.Now()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = srv.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, node_uuid, name, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.NodeUUID, srv.Name, string(srv.Status), srv.LastError,
		formatTime(srv.CreatedAt), formatTime(srv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create server %s: %w", srv.ID, err)
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, id string) (api.Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_uuid, name, status, last_error, created_at, updated_at
		FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Server{}, ErrNotFound
	}
	if err != nil {
		return api.Server{}, fmt.Errorf("get server %s: %w", id, err)
	}
	return srv, nil
}

func (s *Store) ListServers(ctx context.Context) ([]api.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_uuid, name, status, last_error, created_at, updated_at
		FROM servers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []api.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// UpdateServerStatus sets status and lastError. An empty lastError clears it.
func (s *Store) UpdateServerStatus(ctx context.Context, id string, status api.ServerStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update server %s: %w", id, err)
	}
	return expectOne(res)
}

// UpdateServerNode moves the record to another node.
func (s *Store) UpdateServerNode(ctx context.Context, id, nodeUUID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET node_uuid = ?, updated_at = ? WHERE id = ?`,
		nodeUUID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update server %s: %w", id, err)
	}
	return expectOne(res)
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

func scanServer(sc scanner) (api.Server, error) {
	var srv api.Server
	var status, created, updated string
	if err := sc.Scan(&srv.ID, &srv.NodeUUID, &srv.Name, &status, &srv.LastError, &created, &updated); err != nil {
		return api.Server{}, err
	}
	srv.Status = api.ServerStatus(status)
	srv.CreatedAt = parseTime(created)
	srv.UpdatedAt = parseTime(updated)
	return srv, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
