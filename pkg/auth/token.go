package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type Mode string

const (
	// ModeUnverified decodes claims without checking the signature. Use it
	// only behind an identity-aware proxy that already verified the token.
	ModeUnverified Mode = "unverified"
	ModeHS256      Mode = "hs256"
	ModeRS256      Mode = "rs256"
)

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Mode     Mode
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Skew     time.Duration
	Now      func() time.Time
}

type Decoder struct {
	cfg  Config
	keys jwk.Set
}

func NewDecoder(ctx context.Context, cfg Config) (*Decoder, error) {
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if cfg.Mode == "" {
		cfg.Mode = ModeUnverified
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Skew <= 0 {
		cfg.Skew = 30 * time.Second
	}
	d := &Decoder{cfg: cfg}
	switch cfg.Mode {
	case ModeUnverified:
	case ModeHS256:
		if cfg.Secret == "" {
			return nil, errors.New("hs256 mode requires a secret")
		}
	case ModeRS256:
		if cfg.JWKSURL == "" {
			return nil, errors.New("rs256 mode requires a jwks url")
		}
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
			return nil, fmt.Errorf("register jwks: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		d.keys = jwk.NewCachedSet(cache, cfg.JWKSURL)
	default:
		return nil, fmt.Errorf("unsupported token mode %q", cfg.Mode)
	}
	return d, nil
}

func (d *Decoder) Decode(ctx context.Context, raw string) (Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(d.cfg.Now)),
		jwt.WithAcceptableSkew(d.cfg.Skew),
	}
	switch d.cfg.Mode {
	case ModeHS256:
		opts = append(opts, jwt.WithKey(jwa.HS256, []byte(d.cfg.Secret)))
	case ModeRS256:
		opts = append(opts, jwt.WithKeySet(d.keys))
	default:
		opts = append(opts, jwt.WithVerify(false))
	}
	if d.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.cfg.Issuer))
	}
	if d.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(d.cfg.Audience))
	}
	tok, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tok.Subject() == "" {
		return Principal{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	return principalFromToken(tok), nil
}

func principalFromToken(tok jwt.Token) Principal {
	p := Principal{
		Subject:      tok.Subject(),
		Roles:        stringList(claim(tok, "roles")),
		Tenant:       firstString(claim(tok, "tenant_id"), claim(tok, "tenant")),
		ClinicalRole: strings.ToLower(firstString(claim(tok, "clinical_role"))),
		MFAVerified:  truthy(claim(tok, "mfa_verified")),
		DeviceID:     firstString(claim(tok, "device_id")),
	}
	for _, m := range stringList(claim(tok, "amr")) {
		p.AMR = append(p.AMR, strings.ToLower(m))
	}
	if !p.MFAVerified {
		for _, m := range p.AMR {
			if m == "mfa" || m == "otp" || m == "hwk" {
				p.MFAVerified = true
			}
		}
	}
	return p
}

func claim(tok jwt.Token, name string) any {
	v, _ := tok.Get(name)
	return v
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}
