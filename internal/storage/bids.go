package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
)

// Schema creates the append-only bids table. campaign_id is free text because
// campaign records live in a separate service.
const Schema = `
CREATE TABLE IF NOT EXISTS bids (
	id          BIGSERIAL PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	price       NUMERIC(12, 2) NOT NULL,
	won         BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms  INTEGER,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bids_campaign_timestamp ON bids (campaign_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_bids_timestamp ON bids (timestamp);
CREATE INDEX IF NOT EXISTS idx_bids_request_id ON bids (request_id);
`

// BidStore records won bid outcomes
type BidStore struct {
	db *sql.DB
}

// NewBidStore creates a new bid store
func NewBidStore(db *sql.DB) *BidStore {
	return &BidStore{db: db}
}

// Migrate creates the bids table if it does not exist
func (s *BidStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create bids table: %w", err)
	}
	return nil
}

// Save appends one outcome. Only won bids with a campaign are accepted.
func (s *BidStore) Save(ctx context.Context, o *bid.Outcome) error {
	if !o.Won || o.CampaignID == "" {
		return fmt.Errorf("refusing to persist bid %s: only won bids with a campaign are recorded", o.RequestID)
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO bids (campaign_id, request_id, price, won, latency_ms, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query, o.CampaignID, o.RequestID, o.Price, o.Won, o.LatencyMs, ts); err != nil {
		return fmt.Errorf("failed to insert bid %s: %w", o.RequestID, err)
	}
	return nil
}

// Get returns the earliest outcome recorded for requestID
func (s *BidStore) Get(ctx context.Context, requestID string) (*bid.Outcome, error) {
	query := `
		SELECT campaign_id, request_id, price, won, COALESCE(latency_ms, 0), timestamp
		FROM bids
		WHERE request_id = $1
		ORDER BY id
		LIMIT 1
	`

	var o bid.Outcome
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&o.CampaignID,
		&o.RequestID,
		&o.Price,
		&o.Won,
		&o.LatencyMs,
		&o.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bid.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bid %s: %w", requestID, err)
	}
	return &o, nil
}

// Ping checks database connectivity
func (s *BidStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *BidStore) Close() error {
	return s.db.Close()
}
