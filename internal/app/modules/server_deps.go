package modules

import (
	"strings"

	"unitmover.io/unitmover/internal/api/handlers"
	"unitmover.io/unitmover/internal/api/middleware"
	"unitmover.io/unitmover/internal/config"
)

// NewJWTConfig builds the token configuration from the security settings.
func NewJWTConfig(cfg *config.Config) middleware.JWTConfig {
	verificationKeys := make([][]byte, 0, len(cfg.Security.JWTVerificationKeys))
	for _, key := range cfg.Security.JWTVerificationKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		verificationKeys = append(verificationKeys, []byte(key))
	}
	return middleware.JWTConfig{
		SigningKey:       []byte(cfg.Security.JWTSigningKey),
		VerificationKeys: verificationKeys,
		Issuer:           cfg.Security.JWTIssuer,
		ExpiresIn:        cfg.Security.TokenLifetime,
	}
}

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(cfg *config.Config, infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		JWTCfg: NewJWTConfig(cfg),
		Audit:  infra.AuditLogger,
	}
	if infra.DB != nil && infra.DB.Pool != nil {
		deps.DB = infra.DB.Pool
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
