package autobid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists auto-bid policies outside the session core. The core only
// reads the whole blob at session start and writes on toggle.
type Store interface {
	Load(ctx context.Context, subscriberID string) (map[string]Policy, error)
	Save(ctx context.Context, subscriberID, auctionItemID string, policy Policy) error
}

// MemoryStore is the in-process store used by tests and the CLI default.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]map[string]Policy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]map[string]Policy)}
}

func (s *MemoryStore) Load(ctx context.Context, subscriberID string) (map[string]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Policy, len(s.policies[subscriberID]))
	for itemID, p := range s.policies[subscriberID] {
		out[itemID] = p
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, subscriberID, auctionItemID string, policy Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byItem, ok := s.policies[subscriberID]
	if !ok {
		byItem = make(map[string]Policy)
		s.policies[subscriberID] = byItem
	}
	byItem[auctionItemID] = policy
	return nil
}

// PGStore keeps policies in Postgres as one JSON blob per (subscriber, item).
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const (
	loadPoliciesQuery = `
		SELECT item_id, policy
		FROM autobid_policies
		WHERE subscriber_id = $1`

	savePolicyQuery = `
		INSERT INTO autobid_policies (subscriber_id, item_id, policy)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscriber_id, item_id)
		DO UPDATE SET policy = EXCLUDED.policy, updated_at = now()`
)

func (s *PGStore) Load(ctx context.Context, subscriberID string) (map[string]Policy, error) {
	rows, err := s.pool.Query(ctx, loadPoliciesQuery, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("query autobid policies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Policy)
	for rows.Next() {
		var itemID string
		var raw []byte
		if err := rows.Scan(&itemID, &raw); err != nil {
			return nil, fmt.Errorf("scan autobid policy: %w", err)
		}
		var p Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode autobid policy for %s: %w", itemID, err)
		}
		out[itemID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) Save(ctx context.Context, subscriberID, auctionItemID string, policy Policy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode autobid policy: %w", err)
	}
	if _, err := s.pool.Exec(ctx, savePolicyQuery, subscriberID, auctionItemID, raw); err != nil {
		return fmt.Errorf("upsert autobid policy: %w", err)
	}
	return nil
}
