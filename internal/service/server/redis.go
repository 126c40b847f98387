package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"incognito_chat/internal/service/redis"

	"github.com/nbd-wtf/go-nostr"
)

const (
	kindsKey       = "relay:kinds"
	replaceableKey = "relay:replaceable"
	maxPerKind     = 10000
)

// RedisStore keeps one list of events per kind and a hash of the latest
// replaceable events.
type RedisStore struct {
	redisService *redis.RedisService
}

func NewRedisStore(redisSvc *redis.RedisService) *RedisStore {
	return &RedisStore{redisService: redisSvc}
}

func (c *RedisStore) Save(ctx context.Context, ev *nostr.Event) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}

	if addr, ok := replaceableAddress(ev); ok {
		v, found, err := c.redisService.HGet(ctx, replaceableKey, addr)
		if err != nil {
			return false, err
		}
		if found {
			var prev nostr.Event
			if err := json.Unmarshal([]byte(v), &prev); err == nil && !supersedes(ev, &prev) {
				return false, nil
			}
		}
		if err := c.redisService.HSet(ctx, replaceableKey, addr, data); err != nil {
			return false, err
		}
		return true, c.redisService.SAdd(ctx, kindsKey, ev.Kind)
	}

	fresh, err := c.redisService.SetNX(ctx, seenKey(ev.ID), 1, 0)
	if err != nil || !fresh {
		return false, err
	}
	key := kindKey(ev.Kind)
	if err := c.redisService.RPush(ctx, key, data); err != nil {
		return false, err
	}
	if err := c.redisService.LTrim(ctx, key, maxPerKind); err != nil {
		return false, err
	}
	return true, c.redisService.SAdd(ctx, kindsKey, ev.Kind)
}

func (c *RedisStore) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	kinds := filter.Kinds
	if len(kinds) == 0 {
		members, err := c.redisService.SMembers(ctx, kindsKey)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if k, err := strconv.Atoi(m); err == nil {
				kinds = append(kinds, k)
			}
		}
	}

	var vals []string
	scannedReplaceable := false
	for _, kind := range kinds {
		if replaceableKind(kind) {
			if scannedReplaceable {
				continue
			}
			scannedReplaceable = true
			vs, err := c.redisService.HVals(ctx, replaceableKey)
			if err != nil {
				return nil, err
			}
			vals = append(vals, vs...)
			continue
		}
		vs, err := c.redisService.LRange(ctx, kindKey(kind))
		if err != nil {
			return nil, err
		}
		vals = append(vals, vs...)
	}

	var res []*nostr.Event
	for _, v := range vals {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, err
		}
		if filter.Matches(&ev) {
			res = append(res, &ev)
		}
	}
	return newestFirst(res, filter.Limit), nil
}

func kindKey(kind int) string {
	return fmt.Sprintf("relay:kind:%d", kind)
}

func seenKey(id string) string {
	return fmt.Sprintf("relay:seen:%s", id)
}
