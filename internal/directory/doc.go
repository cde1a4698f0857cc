// Package directory resolves the public profile of a user and the display
// name of a product for conversation listings.
//
// Lookups read through a Cache: RedisCache when cache.redis_url is set,
// otherwise MemoryCache. Cache failures degrade to store reads. A user or
// product that no longer exists never fails a listing; it resolves to an
// id-only profile or an empty product name.
package directory
