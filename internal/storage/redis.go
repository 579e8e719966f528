package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	incidentKeyPrefix = "incident:"
	openIncidentsSet  = "incidents:open"
	counterKeyPrefix  = "playbook:counters:"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible connection defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore implements the claim, counter, and incident stores on Redis
// so that multiple workers share one view of claims and counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Claim acquires the key via SETNX. The TTL makes abandoned claims from
// crashed workers expire instead of wedging the trigger forever.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release frees a claim.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// IncrementExecution atomically bumps a playbook's execution count.
func (s *RedisStore) IncrementExecution(ctx context.Context, playbookID string) error {
	return s.client.HIncrBy(ctx, counterKeyPrefix+playbookID, "execution_count", 1).Err()
}

// IncrementSuccess atomically bumps a playbook's success count.
func (s *RedisStore) IncrementSuccess(ctx context.Context, playbookID string) error {
	return s.client.HIncrBy(ctx, counterKeyPrefix+playbookID, "success_count", 1).Err()
}

// Counters returns a playbook's counters.
func (s *RedisStore) Counters(ctx context.Context, playbookID string) (PlaybookCounters, error) {
	var counters PlaybookCounters
	vals, err := s.client.HGetAll(ctx, counterKeyPrefix+playbookID).Result()
	if err != nil {
		return counters, err
	}
	fmt.Sscanf(vals["execution_count"], "%d", &counters.ExecutionCount)
	fmt.Sscanf(vals["success_count"], "%d", &counters.SuccessCount)
	return counters, nil
}

// AddIncident stores a new incident and indexes it in the open set.
func (s *RedisStore) AddIncident(ctx context.Context, incident *schema.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	if err := s.client.Set(ctx, incidentKeyPrefix+incident.ID.String(), data, 0).Err(); err != nil {
		return err
	}
	if incident.Status == schema.IncidentOpen {
		return s.client.SAdd(ctx, openIncidentsSet, incident.ID.String()).Err()
	}
	return nil
}

// Get loads an incident by ID.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*schema.Incident, error) {
	data, err := s.client.Get(ctx, incidentKeyPrefix+id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("incident %s not found", id)
		}
		return nil, err
	}
	var incident schema.Incident
	if err := json.Unmarshal([]byte(data), &incident); err != nil {
		return nil, fmt.Errorf("unmarshal incident %s: %w", id, err)
	}
	return &incident, nil
}

// ListOpen loads all incidents indexed in the open set. Members whose
// record disappeared are pruned from the index as they are encountered.
func (s *RedisStore) ListOpen(ctx context.Context) ([]*schema.Incident, error) {
	ids, err := s.client.SMembers(ctx, openIncidentsSet).Result()
	if err != nil {
		return nil, err
	}

	var open []*schema.Incident
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.client.SRem(ctx, openIncidentsSet, raw)
			continue
		}
		incident, err := s.Get(ctx, id)
		if err != nil {
			s.client.SRem(ctx, openIncidentsSet, raw)
			continue
		}
		if incident.Status == schema.IncidentOpen {
			open = append(open, incident)
		}
	}
	return open, nil
}

// CompareAndSwapEscalation advances the escalation level inside a WATCH
// transaction. A concurrent advance aborts the transaction and is
// reported as a conflict so the caller can refresh and retry.
func (s *RedisStore) CompareAndSwapEscalation(ctx context.Context, id uuid.UUID, expectedLevel int, at time.Time) (int, error) {
	key := incidentKeyPrefix + id.String()
	newLevel := 0

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("incident %s not found", id)
			}
			return err
		}

		var incident schema.Incident
		if err := json.Unmarshal([]byte(data), &incident); err != nil {
			return fmt.Errorf("unmarshal incident %s: %w", id, err)
		}
		if incident.EscalationLevel != expectedLevel {
			return &autoerr.EscalationConflictError{
				IncidentID:    id.String(),
				ExpectedLevel: expectedLevel,
				ActualLevel:   incident.EscalationLevel,
			}
		}

		incident.EscalationLevel = expectedLevel + 1
		ts := at
		incident.LastEscalatedAt = &ts
		newLevel = incident.EscalationLevel

		updated, err := json.Marshal(&incident)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race on the key itself. Treat as a level conflict;
			// the caller re-reads the fresh state.
			return 0, &autoerr.EscalationConflictError{
				IncidentID:    id.String(),
				ExpectedLevel: expectedLevel,
				ActualLevel:   -1,
			}
		}
		return 0, err
	}
	return newLevel, nil
}

// Reassign changes the incident owner.
func (s *RedisStore) Reassign(ctx context.Context, id uuid.UUID, owner string) error {
	return s.update(ctx, id, func(incident *schema.Incident) {
		incident.Owner = owner
	})
}

// Acknowledge marks an open incident acknowledged and removes it from
// the open index.
func (s *RedisStore) Acknowledge(ctx context.Context, id uuid.UUID) error {
	err := s.update(ctx, id, func(incident *schema.Incident) {
		if incident.Status == schema.IncidentOpen {
			incident.Status = schema.IncidentAcknowledged
			now := time.Now().UTC()
			incident.AcknowledgedAt = &now
		}
	})
	if err != nil {
		return err
	}
	return s.client.SRem(ctx, openIncidentsSet, id.String()).Err()
}

// Resolve marks an incident resolved and removes it from the open index.
func (s *RedisStore) Resolve(ctx context.Context, id uuid.UUID) error {
	err := s.update(ctx, id, func(incident *schema.Incident) {
		incident.Status = schema.IncidentResolved
	})
	if err != nil {
		return err
	}
	return s.client.SRem(ctx, openIncidentsSet, id.String()).Err()
}

func (s *RedisStore) update(ctx context.Context, id uuid.UUID, mutate func(*schema.Incident)) error {
	key := incidentKeyPrefix + id.String()
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("incident %s not found", id)
			}
			return err
		}
		var incident schema.Incident
		if err := json.Unmarshal([]byte(data), &incident); err != nil {
			return fmt.Errorf("unmarshal incident %s: %w", id, err)
		}
		mutate(&incident)
		updated, err := json.Marshal(&incident)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}
	return s.client.Watch(ctx, txn, key)
}
