// Package dedupe provides a small TTL and size bounded cache of string values.
//
// The conversation service uses it to make message sends idempotent per
// client message id, and the directory uses it as the in-process profile
// cache when Redis is not configured.
package dedupe
