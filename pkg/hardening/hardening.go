// Package hardening refuses insecure startup settings in production-like
// environments.
package hardening

import (
	"fmt"
	"strings"
)

type Requirement struct {
	Name  string
	Value string
}

type Options struct {
	Service     string
	Environment string
	// Strict disables every check when false.
	Strict bool

	UsesDatabase       bool
	DatabaseRequireTLS bool

	UsesRedis             bool
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool

	RateLimitBackend   string
	CORSAllowedOrigins string
	RequiredSecrets    []Requirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.Strict {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.UsesDatabase && !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if o.UsesRedis {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if strings.EqualFold(strings.TrimSpace(o.RateLimitBackend), "memory") {
		return fmt.Errorf("%s: strict production hardening forbids RATE_LIMIT_BACKEND=memory, the limit would not be shared across instances", service)
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
			if strings.HasPrefix(lower, local) {
				return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
