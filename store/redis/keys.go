package redis

// Redis key naming conventions. All keys are prefixed with "tenantflow:" to
// avoid collisions.

const keyPrefix = "tenantflow:"

// lockKey returns the key of a lease: tenantflow:lock:{key}
func lockKey(key string) string { return keyPrefix + "lock:" + key }

// cacheKey returns the key of a cached result: tenantflow:cache:{org}:{key}
func cacheKey(org, key string) string { return keyPrefix + "cache:" + org + ":" + key }

// tagKey returns the Set of cache keys tagged with an entity within an
// organization: tenantflow:cache_tag:{org}:{tag}
func tagKey(org, tag string) string { return keyPrefix + "cache_tag:" + org + ":" + tag }

// defaultStream is the Stream events are published to.
const defaultStream = keyPrefix + "events"
