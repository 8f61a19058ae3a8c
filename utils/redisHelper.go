package utils

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/stock_batches/config"
)

var ErrLockNotObtained = errors.New("lock is held by another worker")

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

func redisItemKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

// store instance under Type:$id
func StoreRedis[T any](ctx context.Context, obj *T, id int, lifespan time.Duration) error {
	if lifespan <= 0 {
		return nil
	}
	return config.SetRedisObject(ctx, redisItemKey[T](id), obj, lifespan)
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](ctx context.Context, id int) (*T, error) {
	var result T
	exists, err := config.GetRedisObject(ctx, redisItemKey[T](id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return &result, nil
}

// remove instances, Type:$id
func RemoveRedisItem[T any](ctx context.Context, ids ...int) error {
	keys := make([]string, 0, len(ids))
	for _, id := range UniqueSlice(ids) {
		keys = append(keys, redisItemKey[T](id))
	}
	return config.RemoveRedisKey(ctx, keys...)
}

// ObtainJobLock takes a redis lock named job:$name so a background job runs on
// one instance at a time. Without redis it returns a no-op release.
func ObtainJobLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lockKey := "job:" + name
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, "utils", "ObtainJobLock", "Could not obtain job lock", lockKey, err)
		return nil, ErrLockNotObtained
	} else if err != nil {
		config.LogError(logger, "utils", "ObtainJobLock", "Error obtaining job lock", lockKey, err)
		return nil, err
	}
	return func() {
		// context may already be cancelled when the job ends
		_ = lock.Release(context.Background())
	}, nil
}
