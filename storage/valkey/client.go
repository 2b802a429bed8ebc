package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

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

	if err = s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()).Error(); err != nil {
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

	var data string
	data, err = s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
			return nil, err
		}
		err = fmt.Errorf("failed to get client: %w", err)
		return nil, err
	}

	var client storage.Client
	if err = json.Unmarshal([]byte(data), &client); err != nil {
		err = fmt.Errorf("failed to unmarshal client: %w", err)
		return nil, err
	}

	return &client, nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return the same key more than once
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var client storage.Client
			if err := json.Unmarshal([]byte(data), &client); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = &client
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	return clients, nil
}
