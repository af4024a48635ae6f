// Package cache keeps live round data in Redis: the snapshot of the
// current round and the list of recent crash points.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crashgame/internal/models"
)

const (
	keyRoundPrefix   = "crash:round:"
	keyRecentCrashes = "crash:recent"

	roundTTL         = time.Hour
	recentCrashLimit = 50
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

type Service struct {
	client *redis.Client
	log    *zap.Logger
}

// New connects and pings Redis. Callers treat an error as "run without
// cache".
func New(opts Options) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	log := zap.L().Named("cache")
	log.Info("redis connected", zap.String("addr", opts.Addr))
	return &Service{client: client, log: log}, nil
}

func (s *Service) GetClient() *redis.Client {
	return s.client
}

// SaveRound stores the latest snapshot of a round for an hour.
func (s *Service) SaveRound(ctx context.Context, roundID string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyRoundPrefix+roundID, data, roundTTL).Err()
}

// LoadRound decodes the stored snapshot of roundID into dst.
func (s *Service) LoadRound(ctx context.Context, roundID string, dst any) error {
	data, err := s.client.Get(ctx, keyRoundPrefix+roundID).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// PushCrash records an archived round at the head of the recent list and
// trims the list to the last 50.
func (s *Service) PushCrash(ctx context.Context, round models.RoundRecord) error {
	data, err := json.Marshal(round)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, keyRecentCrashes, data)
		pipe.LTrim(ctx, keyRecentCrashes, 0, recentCrashLimit-1)
		return nil
	})
	return err
}

// RecentCrashes returns up to n rounds, newest first.
func (s *Service) RecentCrashes(ctx context.Context, n int) ([]models.RoundRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, keyRecentCrashes, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.RoundRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.RoundRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.log.Warn("skipping malformed recent crash", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.client.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *Service) Close() error {
	s.log.Info("disconnecting from redis")
	return s.client.Close()
}
