package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/notifygw/internal/notification"
)

// キーの接頭辞。他のサービスと同じRedisを共有しても衝突しない名前にする。
const (
	idempotencyPrefix = "idempotency:"
	statusPrefix      = "status:"
	rateLimitPrefix   = "rate_limit:"
)

// incrScript はカウンタを増やし、最初の増加時だけ期限を設定する。
// 読み取りと書き込みを分けると期限の無いキーが残る競合があるため1スクリプトで行う。
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Cache はRedisを使った冪等応答・状態射影のキャッシュとレート制限カウンタ。
type Cache struct {
	client *redis.Client
}

// New はRedisクライアントからCacheを生成する。
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Open はredis://形式のURLで接続し、疎通を確認したCacheを返す。
func Open(ctx context.Context, redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return New(client), nil
}

// Ping はRedisへの疎通を確認する。
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close は接続を閉じる。
func (c *Cache) Close() error {
	return c.client.Close()
}

// GetResponse は冪等応答を取得する。
func (c *Cache) GetResponse(ctx context.Context, requestID string) (*notification.Response, bool, error) {
	var resp notification.Response
	found, err := c.getJSON(ctx, idempotencyPrefix+requestID, &resp)
	if err != nil || !found {
		return nil, found, err
	}
	return &resp, true, nil
}

// SetResponse は冪等応答を保存する。
func (c *Cache) SetResponse(ctx context.Context, requestID string, resp *notification.Response, ttl time.Duration) error {
	return c.setJSON(ctx, idempotencyPrefix+requestID, resp, ttl)
}

// GetStatus は状態射影を取得する。
func (c *Cache) GetStatus(ctx context.Context, requestID string) (*notification.Projection, bool, error) {
	var p notification.Projection
	found, err := c.getJSON(ctx, statusPrefix+requestID, &p)
	if err != nil || !found {
		return nil, found, err
	}
	return &p, true, nil
}

// SetStatus は状態射影を保存する。
func (c *Cache) SetStatus(ctx context.Context, requestID string, p notification.Projection, ttl time.Duration) error {
	return c.setJSON(ctx, statusPrefix+requestID, p, ttl)
}

// Incr は rate_limit:<userID>:<bucket> を原子的に1増やし、増加後の値を返す。
func (c *Cache) Incr(ctx context.Context, userID, bucket string, ttl time.Duration) (int64, error) {
	key := rateLimitPrefix + userID + ":" + bucket
	n, err := incrScript.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}
	return n, nil
}

func (c *Cache) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("キャッシュの取得に失敗 (%s): %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("キャッシュのデコードに失敗 (%s): %w", key, err)
	}
	return true, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗 (%s): %w", key, err)
	}
	if err := c.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗 (%s): %w", key, err)
	}
	return nil
}
