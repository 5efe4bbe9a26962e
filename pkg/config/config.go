// Package config loads the admission policy file and the process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"admission/pkg/abuse"
	"admission/pkg/category"
	"admission/pkg/circuit"
	"admission/pkg/compliance"
	"admission/pkg/engine"
	"admission/pkg/geo"
	"admission/pkg/quota"
	"admission/pkg/slo"
	"admission/pkg/trust"
)

var ErrInvalid = errors.New("invalid configuration")

// File is the YAML policy. Every section is optional; zero values fall back
// to the built-in defaults of the owning package.
type File struct {
	Classifier         []category.Rule                              `yaml:"classifier"`
	Limits             map[category.Category]category.Limits        `yaml:"limits"`
	Costs              []quota.OperationCost                        `yaml:"costs"`
	Quotas             map[category.Category]map[quota.Period]int64 `yaml:"quotas"`
	GeoRanges          []geo.Range                                  `yaml:"geo_ranges"`
	GeoRules           []geo.Rule                                   `yaml:"geo_rules"`
	Trust              Trust                                        `yaml:"trust"`
	Compliance         Compliance                                   `yaml:"compliance"`
	Abuse              abuse.Thresholds                             `yaml:"abuse"`
	Breaker            circuit.Options                              `yaml:"circuit_breaker"`
	SLOs               []slo.SLO                                    `yaml:"slos"`
	WindowAlgorithm    string                                       `yaml:"window_algorithm"`
	DisableTokenBucket bool                                         `yaml:"disable_token_bucket"`
	StoreTimeout       time.Duration                                `yaml:"store_timeout"`
}

type Trust struct {
	Weights           trust.Weights      `yaml:"weights"`
	RoleBaseline      map[string]float64 `yaml:"role_baseline"`
	ApprovedCountries []string           `yaml:"approved_countries"`
	ImpossibleTravel  float64            `yaml:"impossible_travel_km"`
	TTL               time.Duration      `yaml:"ttl"`
}

type Compliance struct {
	RoleLevels     map[string]int             `yaml:"role_levels"`
	RequiredLevels map[category.Operation]int `yaml:"required_levels"`
	StartHour      int                        `yaml:"business_start_hour"`
	EndHour        int                        `yaml:"business_end_hour"`
	Timezone       string                     `yaml:"timezone"`
}

// Load reads path. An empty path or a missing file yields the defaults.
func Load(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes YAML after expanding ${VAR} and ${VAR:-default} references.
// Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandEnvVars(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// normalize upper-cases category keys so "phi_operation" and
// "PHI_OPERATION" land on the same entry. Unknown keys are kept for Validate.
func (f *File) normalize() {
	if len(f.Limits) > 0 {
		limits := make(map[category.Category]category.Limits, len(f.Limits))
		for c, l := range f.Limits {
			if parsed, err := category.Parse(string(c)); err == nil {
				c = parsed
			}
			limits[c] = l
		}
		f.Limits = limits
	}
	if len(f.Quotas) > 0 {
		quotas := make(map[category.Category]map[quota.Period]int64, len(f.Quotas))
		for c, periods := range f.Quotas {
			if parsed, err := category.Parse(string(c)); err == nil {
				c = parsed
			}
			out := make(map[quota.Period]int64, len(periods))
			for p, n := range periods {
				if parsed, err := quota.ParsePeriod(string(p)); err == nil {
					p = parsed
				}
				out[p] = n
			}
			quotas[c] = out
		}
		f.Quotas = quotas
	}
	for i := range f.Classifier {
		if parsed, err := category.Parse(string(f.Classifier[i].Category)); err == nil {
			f.Classifier[i].Category = parsed
		}
	}
}

func (f File) Validate() error {
	var errs []error
	for c, l := range f.Limits {
		if _, err := category.Parse(string(c)); err != nil {
			errs = append(errs, err)
			continue
		}
		if l.Authenticated < 0 || l.Unauthenticated < 0 || l.Window < 0 || l.BurstMultiplier < 0 || l.BaseCost < 0 || l.CostLimit < 0 {
			errs = append(errs, fmt.Errorf("limits %s: values must not be negative", c))
		}
		if l.BurstMultiplier > 0 && l.BurstMultiplier < 1 {
			errs = append(errs, fmt.Errorf("limits %s: burst_multiplier must be at least 1", c))
		}
	}
	for c, periods := range f.Quotas {
		if _, err := category.Parse(string(c)); err != nil {
			errs = append(errs, err)
		}
		for p, n := range periods {
			if _, err := quota.ParsePeriod(string(p)); err != nil {
				errs = append(errs, err)
			}
			if n < 0 {
				errs = append(errs, fmt.Errorf("quota %s/%s must not be negative", c, p))
			}
		}
	}
	for i, c := range f.Costs {
		if c.Cost <= 0 {
			errs = append(errs, fmt.Errorf("costs[%d]: cost must be positive", i))
		}
	}
	for i, r := range f.Classifier {
		if _, err := category.Parse(string(r.Category)); err != nil {
			errs = append(errs, fmt.Errorf("classifier[%d]: %w", i, err))
		}
	}
	for _, s := range f.SLOs {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("slo %q: %w", s.Name, err))
		}
	}
	switch engine.Algorithm(strings.ToLower(f.WindowAlgorithm)) {
	case "", engine.FixedWindow, engine.SlidingWindow:
	default:
		errs = append(errs, fmt.Errorf("unknown window_algorithm %q", f.WindowAlgorithm))
	}
	if f.Compliance.Timezone != "" {
		if _, err := time.LoadLocation(f.Compliance.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("compliance timezone: %w", err))
		}
	}
	if f.StoreTimeout < 0 {
		errs = append(errs, errors.New("store_timeout must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EngineOptions maps the file onto engine options. Store, clock, logger,
// recorder and resolver are left for the caller.
func (f File) EngineOptions() engine.Options {
	opts := engine.Options{
		Rules:  f.Classifier,
		Limits: category.Table(f.Limits),
		Costs:  f.Costs,
		Quotas: f.Quotas,
		Trust: trust.Config{
			Weights:           f.Trust.Weights,
			RoleBaseline:      f.Trust.RoleBaseline,
			ApprovedCountries: f.Trust.ApprovedCountries,
			JumpKm:            f.Trust.ImpossibleTravel,
			TTL:               f.Trust.TTL,
		},
		Compliance: compliance.Config{
			RoleLevels:     f.Compliance.RoleLevels,
			RequiredLevels: f.Compliance.RequiredLevels,
			StartHour:      f.Compliance.StartHour,
			EndHour:        f.Compliance.EndHour,
		},
		Breaker:       f.Breaker,
		GeoRules:      f.GeoRules,
		Abuse:         f.Abuse,
		SLOs:          f.SLOs,
		Algorithm:     engine.Algorithm(strings.ToLower(f.WindowAlgorithm)),
		DisableBucket: f.DisableTokenBucket,
		StoreTimeout:  f.StoreTimeout,
	}
	if f.Compliance.Timezone != "" {
		if loc, err := time.LoadLocation(f.Compliance.Timezone); err == nil {
			opts.Compliance.Location = loc
		}
	}
	return opts
}

// Resolver chains the configured CIDR table before an optional MaxMind
// database. The returned closer releases the database and is never nil.
func (f File) Resolver(geoIPPath string) (geo.Resolver, io.Closer, error) {
	var chain geo.Chain
	if len(f.GeoRanges) > 0 {
		cidr, err := geo.NewCIDRResolver(f.GeoRanges)
		if err != nil {
			return nil, nopCloser{}, fmt.Errorf("%w: geo_ranges: %w", ErrInvalid, err)
		}
		chain = append(chain, cidr)
	}
	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(geoIPPath) != "" {
		mm, err := geo.OpenMaxMind(geoIPPath)
		if err != nil {
			return nil, nopCloser{}, err
		}
		chain = append(chain, mm)
		closer = mm
	}
	if len(chain) == 0 {
		return nil, closer, nil
	}
	return chain, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
