package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/reqshield/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "reqshield:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// maxUpdateRetries bounds the compare-and-swap retry loop in Update.
	// Contention on a single rate-limit key resolves within a few rounds;
	// exhausting the retries indicates a pathological hot key.
	maxUpdateRetries = 16
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "reqshield:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store. It is the seam
// for multi-process deployments: record TTLs are enforced server-side and
// Update uses a compare-and-swap Lua script so concurrent callers on the
// same key from any process serialize correctly.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// recordJSON is the wire representation of a storage.Record
type recordJSON struct {
	Count         int   `json:"count"`
	WindowResetAt int64 `json:"window_reset_at_ms"`
	BlockedUntil  int64 `json:"blocked_until_ms,omitempty"`
}

func toRecordJSON(rec *storage.Record) *recordJSON {
	j := &recordJSON{
		Count:         rec.Count,
		WindowResetAt: rec.WindowResetAt.UnixMilli(),
	}
	if !rec.BlockedUntil.IsZero() {
		j.BlockedUntil = rec.BlockedUntil.UnixMilli()
	}
	return j
}

func fromRecordJSON(j *recordJSON) *storage.Record {
	if j == nil {
		return nil
	}
	rec := &storage.Record{
		Count:         j.Count,
		WindowResetAt: time.UnixMilli(j.WindowResetAt),
	}
	if j.BlockedUntil > 0 {
		rec.BlockedUntil = time.UnixMilli(j.BlockedUntil)
	}
	return rec
}

// recordKey returns the namespaced key for a record: {prefix}record:{key}
func (s *Store) recordKey(key string) string {
	return s.prefix + "record:" + key
}

// luaCompareAndSwap atomically replaces a record only if its current value
// matches the value observed by the caller. This closes the race between the
// read and the write of an Update cycle across processes.
//
// KEYS[1] = record key
// ARGV[1] = expected current value ("" when the caller observed no record)
// ARGV[2] = new value ("" to delete the key)
// ARGV[3] = TTL in milliseconds for the new value
//
// Returns 1 when the swap happened, 0 when the current value changed under
// the caller and the cycle must be retried.
const luaCompareAndSwap = `
local cur = redis.call('GET', KEYS[1])
local expected = ARGV[1]
if (cur == false and expected ~= '') or (cur ~= false and cur ~= expected) then
    return 0
end
if ARGV[2] == '' then
    redis.call('DEL', KEYS[1])
else
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`

// Get retrieves the record for a key, or (nil, nil) if absent or expired.
// Expiry is enforced server-side via the key TTL.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.recordKey(key)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get failed: %v", storage.ErrUnavailable, err)
	}

	var j recordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return fromRecordJSON(&j), nil
}

// Set stores a record with a time-to-live using SET PX.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}

	data, err := json.Marshal(toRecordJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	cmd := s.client.B().Set().Key(s.recordKey(key)).Value(string(data)).
		Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: set failed: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.recordKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("%w: delete failed: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Update atomically applies fn via an optimistic compare-and-swap loop: read
// the current value, run fn, then swap only if the value is unchanged. On
// contention the cycle retries with the fresh value.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) (*storage.Record, error) {
	rkey := s.recordKey(key)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		observed, err := s.client.Do(ctx, s.client.B().Get().Key(rkey).Build()).ToString()
		expected := observed
		var cur *storage.Record
		switch {
		case err == nil:
			var j recordJSON
			if uerr := json.Unmarshal([]byte(observed), &j); uerr != nil {
				return nil, fmt.Errorf("failed to unmarshal record: %w", uerr)
			}
			cur = fromRecordJSON(&j)
		case valkeygo.IsValkeyNil(err):
			expected = ""
		default:
			return nil, fmt.Errorf("%w: update read failed: %v", storage.ErrUnavailable, err)
		}

		next, ttl, err := fn(cur)
		if err != nil {
			return nil, err
		}

		newValue := ""
		ttlMillis := int64(0)
		if next != nil && ttl > 0 {
			data, merr := json.Marshal(toRecordJSON(next))
			if merr != nil {
				return nil, fmt.Errorf("failed to marshal record: %w", merr)
			}
			newValue = string(data)
			ttlMillis = ttl.Milliseconds()
		} else {
			next = nil
		}

		swapped, err := s.client.Do(ctx, s.client.B().Eval().
			Script(luaCompareAndSwap).
			Numkeys(1).
			Key(rkey).
			Arg(expected, newValue, fmt.Sprintf("%d", ttlMillis)).
			Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("%w: update swap failed: %v", storage.ErrUnavailable, err)
		}
		if swapped == 1 {
			return next, nil
		}

		s.logger.Debug("Update contention, retrying", "attempt", attempt+1)
	}

	return nil, fmt.Errorf("%w: update retries exhausted for key", storage.ErrUnavailable)
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}
