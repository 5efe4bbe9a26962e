package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/store"
)

const (
	BlacklistKey = "ratelimit:blacklist"
	WhitelistKey = "ratelimit:whitelist"
	// APIKeysKey holds KeyDigest values of registered API keys.
	APIKeysKey   = "ratelimit:api_keys"
	bypassPrefix = "ratelimit:bypass_tokens:"
)

var ErrBypassInvalid = errors.New("bypass token invalid")

// AnyCategory in a bypass token matches every category.
const AnyCategory = "*"

type BypassToken struct {
	Token     string            `json:"token"`
	ClientID  string            `json:"client_id"`
	Category  category.Category `json:"category,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	SingleUse bool              `json:"single_use,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func (b BypassToken) covers(c category.Category) bool {
	return b.Category == "" || b.Category == AnyCategory || b.Category == c
}

type Verdict struct {
	Allowed bool
	Reason  string
}

type Gate struct {
	store store.Store
	clock clock.Clock
}

func NewGate(s store.Store, c clock.Clock) *Gate {
	return &Gate{store: s, clock: clock.OrReal(c)}
}

// Check applies the deny list, then the allow list when it is non-empty. Both
// lists may hold IP addresses or client ids.
func (g *Gate) Check(ctx context.Context, id ClientIdentity) (Verdict, error) {
	for _, member := range []string{id.IPAddress, id.ClientID} {
		if member == "" {
			continue
		}
		blocked, err := g.store.SIsMember(ctx, BlacklistKey, member)
		if err != nil {
			return Verdict{}, fmt.Errorf("blacklist: %w", err)
		}
		if blocked {
			return Verdict{Reason: "access denied: client is blacklisted"}, nil
		}
	}
	n, err := g.store.SCard(ctx, WhitelistKey)
	if err != nil {
		return Verdict{}, fmt.Errorf("whitelist: %w", err)
	}
	if n == 0 {
		return Verdict{Allowed: true}, nil
	}
	for _, member := range []string{id.IPAddress, id.ClientID} {
		if member == "" {
			continue
		}
		ok, err := g.store.SIsMember(ctx, WhitelistKey, member)
		if err != nil {
			return Verdict{}, fmt.Errorf("whitelist: %w", err)
		}
		if ok {
			return Verdict{Allowed: true}, nil
		}
	}
	return Verdict{Reason: "access denied: client is not whitelisted"}, nil
}

func (g *Gate) IssueBypass(ctx context.Context, clientID string, c category.Category, ttl time.Duration, singleUse bool, reason string) (BypassToken, error) {
	if clientID == "" {
		return BypassToken{}, errors.New("client id is required")
	}
	if ttl <= 0 {
		return BypassToken{}, errors.New("ttl must be positive")
	}
	now := g.clock.Now().UTC()
	tok := BypassToken{
		Token:     uuid.NewString(),
		ClientID:  clientID,
		Category:  c,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		SingleUse: singleUse,
		Reason:    reason,
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return BypassToken{}, err
	}
	if err := g.store.Set(ctx, bypassPrefix+tok.Token, string(raw), ttl); err != nil {
		return BypassToken{}, fmt.Errorf("store bypass token: %w", err)
	}
	return tok, nil
}

// ValidateBypass returns the token when it belongs to clientID, covers c and
// has not expired. Single-use tokens are consumed atomically on success.
func (g *Gate) ValidateBypass(ctx context.Context, token, clientID string, c category.Category) (BypassToken, error) {
	if token == "" {
		return BypassToken{}, ErrBypassInvalid
	}
	key := bypassPrefix + token
	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return BypassToken{}, ErrBypassInvalid
	}
	if err != nil {
		return BypassToken{}, err
	}
	var tok BypassToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return BypassToken{}, ErrBypassInvalid
	}
	if tok.ClientID != clientID || !tok.covers(c) || !g.clock.Now().Before(tok.ExpiresAt) {
		return BypassToken{}, ErrBypassInvalid
	}
	if tok.SingleUse {
		if _, err := g.store.GetDel(ctx, key); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return BypassToken{}, ErrBypassInvalid
			}
			return BypassToken{}, err
		}
	}
	return tok, nil
}

func (g *Gate) RevokeBypass(ctx context.Context, token string) error {
	return g.store.Del(ctx, bypassPrefix+token)
}

func (g *Gate) Block(ctx context.Context, members ...string) error {
	return g.store.SAdd(ctx, BlacklistKey, members...)
}

func (g *Gate) Unblock(ctx context.Context, members ...string) error {
	return g.store.SRem(ctx, BlacklistKey, members...)
}

func (g *Gate) Allow(ctx context.Context, members ...string) error {
	return g.store.SAdd(ctx, WhitelistKey, members...)
}

func (g *Gate) Disallow(ctx context.Context, members ...string) error {
	return g.store.SRem(ctx, WhitelistKey, members...)
}

// VerifyAPIKey reports whether key is registered. A blank key is never
// registered and costs no store call.
func (g *Gate) VerifyAPIKey(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	ok, err := g.store.SIsMember(ctx, APIKeysKey, KeyDigest(key))
	if err != nil {
		return false, fmt.Errorf("api keys: %w", err)
	}
	return ok, nil
}

// RegisterAPIKeys stores digests only; raw keys never reach the store.
func (g *Gate) RegisterAPIKeys(ctx context.Context, keys ...string) error {
	return g.store.SAdd(ctx, APIKeysKey, digests(keys)...)
}

func (g *Gate) RevokeAPIKeys(ctx context.Context, keys ...string) error {
	return g.store.SRem(ctx, APIKeysKey, digests(keys)...)
}

// KeyDigest is the full SHA-256 of an API key, hex encoded.
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func digests(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, KeyDigest(k))
		}
	}
	return out
}

func (g *Gate) List(ctx context.Context, key string) ([]string, error) {
	if key != BlacklistKey && key != WhitelistKey && key != APIKeysKey {
		return nil, fmt.Errorf("unknown list %q", key)
	}
	return g.store.SMembers(ctx, key)
}
