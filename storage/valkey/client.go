package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := validateIDLength(clientID, "client id"); err != nil {
		return nil, err
	}

	// ErrClientNotFound is deliberately generic to prevent client enumeration
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		storage.ErrClientNotFound, fromClientJSON)
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	// Use SCAN to iterate over all client keys
	pattern := s.clientKey("*")

	// Use a map to deduplicate results (SCAN can return duplicates across iterations)
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
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
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

	return clients, nil
}
