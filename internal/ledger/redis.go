package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"duewatch/internal/domain"
	"duewatch/internal/storage"
	logx "duewatch/pkg/logx"
)

// RedisConfig configures the Redis claim backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a claim key lives. It must outlast the longest
	// calendar so an occasion cannot be claimed twice.
	TTL time.Duration
}

const defaultClaimTTL = 90 * 24 * time.Hour

// RedisLedger claims with SET NX so several engine instances sharing one
// Redis agree on a single winner. Audit records still go to the store.
type RedisLedger struct {
	client redis.Cmdable
	store  storage.LedgerStore
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

// NewRedisClient opens a client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func NewRedisLedger(client redis.Cmdable, store storage.LedgerStore, cfg RedisConfig, log logx.Logger) *RedisLedger {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "duewatch:claim:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisLedger{client: client, store: store, prefix: prefix, ttl: ttl, log: log.With(logx.String("comp", "ledger"))}
}

func (l *RedisLedger) TryClaim(ctx context.Context, id domain.OccasionID, runID string, at time.Time) (Result, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+id.Key(), runID, l.ttl).Result()
	if err != nil {
		return 0, classifyRedis(err)
	}
	if !ok {
		return AlreadySent, nil
	}
	// The claim is ours; the audit row is written best-effort here and
	// overwritten by Record with the outcome.
	if err := l.store.RecordDispatch(ctx, domain.NewClaimRecord(id, runID, at)); err != nil {
		l.log.Warn("claim audit write failed", logx.String("key", id.Key()), logx.String("run_id", runID), logx.Err(err))
	}
	return Claimed, nil
}

func (l *RedisLedger) Record(ctx context.Context, rec domain.DispatchRecord) error {
	return l.store.RecordDispatch(ctx, rec)
}

func classifyRedis(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return domain.Unavailable("redis claim", err)
	}
	return fmt.Errorf("redis claim: %w", err)
}
