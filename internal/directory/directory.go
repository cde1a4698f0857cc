// ABOUTME: Resolves public user profiles and product display names for conversation listings
// ABOUTME: Reads through a Cache in front of the DirectoryStore

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/marketchat/internal/store"
)

// DefaultTTL is used when New receives a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Profile holds the public fields shown for the other participant of a conversation.
type Profile struct {
	ID              string `json:"id"`
	Username        string `json:"username,omitempty"`
	DiscordUsername string `json:"discord_username,omitempty"`
	DiscordAvatar   string `json:"discord_avatar,omitempty"`
	DiscordID       string `json:"discord_id,omitempty"`
}

// DisplayName prefers the external chat handle, then the username, then the id.
func (p Profile) DisplayName() string {
	switch {
	case p.DiscordUsername != "":
		return p.DiscordUsername
	case p.Username != "":
		return p.Username
	default:
		return p.ID
	}
}

// ProfileFromUser copies the public fields of u.
func ProfileFromUser(u *store.User) Profile {
	return Profile{
		ID:              u.ID,
		Username:        u.Username,
		DiscordUsername: u.DiscordUsername,
		DiscordAvatar:   u.DiscordAvatar,
		DiscordID:       u.DiscordID,
	}
}

// Directory resolves users and products through a cache.
type Directory struct {
	store  store.DirectoryStore
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Directory. A nil cache disables caching.
func New(s store.DirectoryStore, cache Cache, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		store:  s,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "directory"),
	}
}

func userKey(id string) string    { return "user:" + id }
func productKey(id string) string { return "product:" + id }

// Profile returns the public profile of userID. Unknown users resolve to a
// profile holding only the id.
func (d *Directory) Profile(ctx context.Context, userID string) (Profile, error) {
	if raw, ok := d.cached(ctx, userKey(userID)); ok {
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return p, nil
		}
		d.logger.Warn("discarding malformed cached profile", "user_id", userID)
	}

	u, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Profile{ID: userID}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading user %s: %w", userID, err)
	}

	p := ProfileFromUser(u)
	if data, err := json.Marshal(p); err == nil {
		d.remember(ctx, userKey(userID), string(data))
	}
	return p, nil
}

// ProductName returns the display name of productID, or "" when the product
// is unknown or deleted.
func (d *Directory) ProductName(ctx context.Context, productID string) (string, error) {
	if productID == "" {
		return "", nil
	}
	if name, ok := d.cached(ctx, productKey(productID)); ok {
		return name, nil
	}

	p, err := d.store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading product %s: %w", productID, err)
	}

	d.remember(ctx, productKey(productID), p.Name)
	return p.Name, nil
}

// InvalidateUser drops cached profiles so the next read hits the store.
func (d *Directory) InvalidateUser(ctx context.Context, userIDs ...string) error {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	return d.invalidate(ctx, keys)
}

// InvalidateProduct drops cached product names.
func (d *Directory) InvalidateProduct(ctx context.Context, productIDs ...string) error {
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = productKey(id)
	}
	return d.invalidate(ctx, keys)
}

func (d *Directory) invalidate(ctx context.Context, keys []string) error {
	if d.cache == nil || len(keys) == 0 {
		return nil
	}
	if err := d.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	return nil
}

// cached reads key from the cache. Cache failures are logged and treated as misses.
func (d *Directory) cached(ctx context.Context, key string) (string, bool) {
	if d.cache == nil {
		return "", false
	}
	v, err := d.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			d.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

// remember writes key to the cache, logging failures.
func (d *Directory) remember(ctx context.Context, key, value string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, key, value, d.ttl); err != nil {
		d.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
