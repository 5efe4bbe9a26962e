package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"admission/pkg/clock"
	"admission/pkg/geo"
	"admission/pkg/store"
)

func ScoreKey(user, device string) string {
	return "zts:trust_scores:" + user + ":" + device
}

// Cache keeps assessments in the shared store for their TTL. Concurrent
// misses for the same (user, device) are coalesced into one computation.
type Cache struct {
	store store.Store
	clock clock.Clock
	group singleflight.Group
}

func NewCache(s store.Store, c clock.Clock) *Cache {
	return &Cache{store: s, clock: clock.OrReal(c)}
}

// Get returns the cached assessment or computes and stores a new one. A store
// failure on read or write does not prevent the computed assessment from
// being returned.
func (c *Cache) Get(ctx context.Context, user, device string, compute func() Assessment) (Assessment, bool) {
	key := ScoreKey(user, device)
	if raw, err := c.store.Get(ctx, key); err == nil {
		var a Assessment
		if json.Unmarshal([]byte(raw), &a) == nil && c.clock.Now().Before(a.ExpiresAt) {
			return a, true
		}
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		a := compute()
		if ttl := a.ExpiresAt.Sub(c.clock.Now()); ttl > 0 {
			if raw, err := json.Marshal(a); err == nil {
				_ = c.store.Set(ctx, key, string(raw), ttl)
			}
		}
		return a, nil
	})
	return v.(Assessment), false
}

func (c *Cache) Invalidate(ctx context.Context, user, device string) error {
	return c.store.Del(ctx, ScoreKey(user, device))
}

func deviceKey(user, fingerprint string) string {
	return "zts:devices:" + user + ":" + fingerprint
}

func lastLocationKey(user string) string {
	return "zts:last_location:" + user
}

// Devices is the registry of fingerprints a user has enrolled.
type Devices struct {
	store store.Store
	clock clock.Clock
}

func NewDevices(s store.Store, c clock.Clock) *Devices {
	return &Devices{store: s, clock: clock.OrReal(c)}
}

func (d *Devices) Lookup(ctx context.Context, user, fingerprint string) (Device, error) {
	if fingerprint == "" {
		return Device{}, nil
	}
	raw, err := d.store.Get(ctx, deviceKey(user, fingerprint))
	if errors.Is(err, store.ErrNotFound) {
		return Device{Fingerprint: fingerprint}, nil
	}
	if err != nil {
		return Device{Fingerprint: fingerprint}, err
	}
	var dev Device
	if err := json.Unmarshal([]byte(raw), &dev); err != nil {
		return Device{Fingerprint: fingerprint}, fmt.Errorf("decode device: %w", err)
	}
	dev.Fingerprint = fingerprint
	return dev, nil
}

// Register enrols a device and records a fresh security scan.
func (d *Devices) Register(ctx context.Context, user, fingerprint string) error {
	return d.put(ctx, user, Device{Fingerprint: fingerprint, Known: true, LastScanAt: d.clock.Now().UTC()})
}

func (d *Devices) MarkCompromised(ctx context.Context, user, fingerprint string) error {
	dev, err := d.Lookup(ctx, user, fingerprint)
	if err != nil {
		return err
	}
	dev.Compromised = true
	return d.put(ctx, user, dev)
}

func (d *Devices) put(ctx context.Context, user string, dev Device) error {
	raw, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, deviceKey(user, dev.Fingerprint), string(raw), 0)
}

// Locations remembers where each user was last seen.
type Locations struct {
	store store.Store
	ttl   time.Duration
}

func NewLocations(s store.Store, ttl time.Duration) *Locations {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Locations{store: s, ttl: ttl}
}

func (l *Locations) Last(ctx context.Context, user string) (*geo.Location, error) {
	raw, err := l.store.Get(ctx, lastLocationKey(user))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var loc geo.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, nil
	}
	return &loc, nil
}

func (l *Locations) Remember(ctx context.Context, user string, loc geo.Location) error {
	raw, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, lastLocationKey(user), string(raw), l.ttl)
}
