package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// HTTPAuthorizer 调用工作区服务判断成员关系：
// GET {base}/v1/workspaces/{workspaceId}/members/{userId}
// 200 且 {"member":true} 为成员，404 为非成员，其余视为上游错误
type HTTPAuthorizer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAuthorizer(baseURL string, timeout time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &HTTPAuthorizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type membershipResp struct {
	Member bool `json:"member"`
}

func (a *HTTPAuthorizer) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/members/%s",
		a.baseURL, url.PathEscape(workspaceID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("membership check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body membershipResp
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode membership response: %w", err)
		}
		return body.Member, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("membership check: upstream status %d", resp.StatusCode)
	}
}

// AllowAll 本地开发用，不做成员校验
type AllowAll struct{}

func (AllowAll) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	return true, nil
}

type Authorizer interface {
	IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error)
}

const (
	allowMarker = "1"
	denyMarker  = "0"
)

// CachedAuthorizer 在 Redis 里缓存成员关系判断结果。
// 并发的相同查询用 singleflight 合并；非成员用较短的 TTL 缓存，防止缓存穿透
type CachedAuthorizer struct {
	next     Authorizer
	rdb      redis.UniversalClient
	allowTTL time.Duration
	denyTTL  time.Duration
	sf       singleflight.Group
}

func NewCachedAuthorizer(next Authorizer, rdb redis.UniversalClient, allowTTL, denyTTL time.Duration) *CachedAuthorizer {
	if allowTTL <= 0 {
		allowTTL = 5 * time.Minute
	}
	if denyTTL <= 0 {
		denyTTL = 30 * time.Second
	}
	return &CachedAuthorizer{next: next, rdb: rdb, allowTTL: allowTTL, denyTTL: denyTTL}
}

func authzKey(workspaceID, userID string) string {
	return fmt.Sprintf("authz:{%s}:%s", workspaceID, userID)
}

// sharedLoadTimeout 合并后的查询不跟随任何一个调用方的 ctx，用独立的超时
const sharedLoadTimeout = 5 * time.Second

func (c *CachedAuthorizer) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	key := authzKey(workspaceID, userID)
	ch := c.sf.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return c.load(lctx, key, userID, workspaceID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		ok, _ := res.Val.(bool)
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *CachedAuthorizer) load(ctx context.Context, key, userID, workspaceID string) (bool, error) {
	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == allowMarker, nil
	case !errors.Is(err, redis.Nil):
		// Redis 不可用时直接回源
		return c.next.IsAuthorized(ctx, userID, workspaceID)
	}

	ok, err := c.next.IsAuthorized(ctx, userID, workspaceID)
	if err != nil {
		return false, err
	}
	if ok {
		_ = c.rdb.Set(ctx, key, allowMarker, c.allowTTL).Err()
	} else {
		_ = c.rdb.Set(ctx, key, denyMarker, c.denyTTL).Err()
	}
	return ok, nil
}
