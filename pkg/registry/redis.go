package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/liliang-cn/execd/pkg/task"
)

// RedisOptions configures the Redis registry.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to every key, default "execd:result:".
	Prefix string
	TTL    time.Duration
	// Retries is how many times a transient failure is retried.
	Retries uint64
}

// Redis stores entries in Redis so several execd processes can serve
// polls for the same runs. Each entry is a hash holding status and
// creation time plus a string holding output; both carry the TTL and are
// mutated together by Lua scripts, which Redis runs atomically.
//
// A reply lost after the server ran a script looks the same as a failed
// request, so every mutation carries a call id and the scripts recognise
// a replay of a call they already applied. Appended ids live in a set
// next to the entry with the same TTL.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	backoff func() retry.Backoff
}

// status codes returned by the scripts
const (
	scriptOK        = 0
	scriptNotFound  = -1
	scriptFinalized = -2
	scriptExists    = -3
)

// ARGV: status, created, ttl, call id
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if redis.call('HGET', KEYS[1], 'created_by') == ARGV[4] then return 0 end
  return -3
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'created', ARGV[2], 'created_by', ARGV[4])
redis.call('SET', KEYS[2], '')
redis.call('DEL', KEYS[3])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 0
`)

// ARGV: call id, chunks...
var appendScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return -1 end
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then return 0 end
if tonumber(s) ~= -2 then return -2 end
redis.call('APPEND', KEYS[2], table.concat(ARGV, '', 2))
redis.call('SADD', KEYS[3], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[3], ttl) end
return 0
`)

// ARGV: status, call id
var setStatusScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return -1 end
if tonumber(s) ~= -2 then
  if redis.call('HGET', KEYS[1], 'finalized_by') == ARGV[2] then return 0 end
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'finalized_by', ARGV[2])
return 0
`)

// NewRedis connects to Redis and checks the connection with PING.
// Retries happen in the registry, not in the client.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       opts.Address,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: -1,
	})
	r := NewRedisWithClient(client, opts)
	if err := r.do(ctx, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis registry at %s: %w", opts.Address, err)
	}
	return r, nil
}

// NewRedisWithClient wraps an existing client. The client should be built
// with MaxRetries -1 so failures are only retried here.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "execd:result:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	retries := opts.Retries
	if retries == 0 {
		retries = 3
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(retries, retry.NewFibonacci(50*time.Millisecond))
		},
	}
}

// keys returns the hash, output and applied-append keys. The braces keep
// them in one cluster slot so scripts may touch them together.
func (r *Redis) keys(token task.Token) []string {
	base := r.prefix + "{" + string(token) + "}"
	return []string{base, base + ":output", base + ":applied"}
}

// do runs op, retrying network failures. Scripts passed through here must
// be safe to run twice with the same arguments.
func (r *Redis) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "EOF", "LOADING", "TRYAGAIN"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func scriptResult(code int64) error {
	switch code {
	case scriptOK:
		return nil
	case scriptNotFound:
		return ErrNotFound
	case scriptFinalized:
		return ErrFinalized
	case scriptExists:
		return ErrExists
	}
	return fmt.Errorf("unexpected script result %d", code)
}

func (r *Redis) run(ctx context.Context, script *redis.Script, token task.Token, args ...interface{}) error {
	var code int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		code, err = script.Run(ctx, r.client, r.keys(token), args...).Int64()
		return err
	})
	if err != nil {
		return err
	}
	return scriptResult(code)
}

func (r *Redis) Create(ctx context.Context, token task.Token) error {
	now := time.Now()
	return r.run(ctx, createScript, token, task.CodeRunning, now.UnixMilli(), r.ttl.Milliseconds(), uuid.NewString())
}

func (r *Redis) Append(ctx context.Context, token task.Token, chunks ...string) error {
	args := make([]interface{}, 0, len(chunks)+1)
	args = append(args, uuid.NewString())
	for _, c := range chunks {
		args = append(args, c)
	}
	return r.run(ctx, appendScript, token, args...)
}

func (r *Redis) SetStatus(ctx context.Context, token task.Token, status task.Status) error {
	return r.run(ctx, setStatusScript, token, status.Code(), uuid.NewString())
}

func (r *Redis) Read(ctx context.Context, token task.Token) (Snapshot, error) {
	keys := r.keys(token)
	var fields map[string]string
	var output string
	var pttl time.Duration

	err := r.do(ctx, func(ctx context.Context) error {
		var hget *redis.MapStringStringCmd
		var get *redis.StringCmd
		var ttl *redis.DurationCmd
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			hget = p.HGetAll(ctx, keys[0])
			get = p.Get(ctx, keys[1])
			ttl = p.PTTL(ctx, keys[0])
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		fields = hget.Val()
		output = get.Val()
		pttl = ttl.Val()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	raw, ok := fields["status"]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("corrupt status %q for %s", raw, token)
	}
	snap := Snapshot{Output: output, Status: task.StatusFromCode(code)}
	if ms, err := strconv.ParseInt(fields["created"], 10, 64); err == nil {
		snap.CreatedAt = time.UnixMilli(ms)
	}
	if pttl > 0 {
		snap.ExpiresAt = time.Now().Add(pttl)
	}
	return snap, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
