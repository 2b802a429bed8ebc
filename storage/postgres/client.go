package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-grants/storage"
)

const (
	upsertClientSQL = `
INSERT INTO oauth2_registered_client (client_id, data, created_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (client_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`

	selectClientSQL = `SELECT data FROM oauth2_registered_client WHERE client_id = $1`

	listClientsSQL = `SELECT data FROM oauth2_registered_client ORDER BY client_id`
)

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.observer.Start(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "save_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if err = client.Validate(); err != nil {
		return err
	}

	var data []byte
	data, err = json.Marshal(client)
	if err != nil {
		err = fmt.Errorf("failed to marshal client: %w", err)
		return err
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err = s.pool.Exec(ctx, upsertClientSQL, client.ClientID, data, createdAt); err != nil {
		err = fmt.Errorf("failed to save client: %w", err)
		return err
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// FindByClientID returns the registered client
func (s *Store) FindByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.observer.Start(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "get_client", err, startTime)
	}()

	var data []byte
	err = s.pool.QueryRow(ctx, selectClientSQL, clientID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
			return nil, err
		}
		err = fmt.Errorf("failed to get client: %w", err)
		return nil, err
	}

	var client storage.Client
	if err = json.Unmarshal(data, &client); err != nil {
		err = fmt.Errorf("failed to unmarshal client: %w", err)
		return nil, err
	}
	return &client, nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.pool.Query(ctx, listClientsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]*storage.Client, 0, 16)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		var client storage.Client
		if err := json.Unmarshal(data, &client); err != nil {
			s.logger.Warn("Failed to unmarshal client, skipping", "error", err)
			continue
		}
		clients = append(clients, &client)
	}
	return clients, rows.Err()
}
