package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "pulse:baseline:"

// Config holds the Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// BaselineStore keeps push baselines in one Redis hash per business
type BaselineStore struct {
	client *goredis.Client
	prefix string
}

// NewBaselineStore connects to Redis and verifies the connection
func NewBaselineStore(ctx context.Context, cfg Config) (*BaselineStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *goredis.Client, prefix string) *BaselineStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &BaselineStore{client: client, prefix: prefix}
}

func (s *BaselineStore) key(businessID string) string {
	return s.prefix + businessID
}

// GetBaseline returns the stored baseline or types.ErrNotFound
func (s *BaselineStore) GetBaseline(ctx context.Context, businessID string) (*types.Baseline, error) {
	fields, err := s.client.HGetAll(ctx, s.key(businessID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("baseline %s: %w", businessID, types.ErrNotFound)
	}

	b := &types.Baseline{BusinessID: businessID}
	if b.Views, err = strconv.ParseInt(fields["views"], 10, 64); err != nil {
		return nil, fmt.Errorf("baseline %s: bad views: %w", businessID, err)
	}
	if b.Reviews, err = strconv.ParseInt(fields["reviews"], 10, 64); err != nil {
		return nil, fmt.Errorf("baseline %s: bad reviews: %w", businessID, err)
	}
	if b.Rating, err = strconv.ParseFloat(fields["rating"], 64); err != nil {
		return nil, fmt.Errorf("baseline %s: bad rating: %w", businessID, err)
	}
	if b.ObservedAt, err = time.Parse(time.RFC3339Nano, fields["observed_at"]); err != nil {
		return nil, fmt.Errorf("baseline %s: bad observed_at: %w", businessID, err)
	}
	return b, nil
}

// PutBaseline overwrites the baseline of b.BusinessID
func (s *BaselineStore) PutBaseline(ctx context.Context, b *types.Baseline) error {
	return s.client.HSet(ctx, s.key(b.BusinessID),
		"views", b.Views,
		"reviews", b.Reviews,
		"rating", strconv.FormatFloat(b.Rating, 'f', -1, 64),
		"observed_at", b.ObservedAt.UTC().Format(time.RFC3339Nano),
	).Err()
}

// Ping verifies Redis is reachable
func (s *BaselineStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *BaselineStore) Close() error {
	return s.client.Close()
}
