// Package redis provides the Redis-backed shared state of a tenantflow
// cluster: the step lease Locker, the result cache Backend and an event Bus
// that fans notifications out to every node. Durable workflow state lives in
// store/postgres; nothing here is a store.Store.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	eng, err := engine.Build(rt,
//	    engine.WithLocker(redis.NewLocker(client)),
//	    engine.WithCacheBackend(redis.NewCache(client)),
//	    engine.WithBus(redis.NewBus(client)),
//	)
package redis
