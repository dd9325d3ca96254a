package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSConfig lists the browser origins and headers the API accepts.
// An empty AllowedOrigins allows any origin without credentials.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	MaxAge           int // seconds
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}
}

type corsPolicy struct {
	origins     map[string]bool
	anyOrigin   bool
	credentials bool
	preflight   [][2]string
	exposed     string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]bool, len(cfg.AllowedOrigins)),
		anyOrigin:   len(cfg.AllowedOrigins) == 0,
		credentials: cfg.AllowCredentials && len(cfg.AllowedOrigins) > 0,
		exposed:     strings.Join(cfg.ExposedHeaders, ","),
	}
	for _, o := range cfg.AllowedOrigins {
		p.origins[strings.TrimRight(o, "/")] = true
	}

	add := func(name, value string) {
		if value != "" {
			p.preflight = append(p.preflight, [2]string{name, value})
		}
	}
	add(fiber.HeaderAccessControlAllowMethods, strings.Join(cfg.AllowedMethods, ","))
	add(fiber.HeaderAccessControlAllowHeaders, strings.Join(cfg.AllowedHeaders, ","))
	if cfg.MaxAge > 0 {
		add(fiber.HeaderAccessControlMaxAge, strconv.Itoa(cfg.MaxAge))
	}
	return p
}

// allow reports the Access-Control-Allow-Origin value for origin, or "".
func (p *corsPolicy) allow(origin string) string {
	if p.anyOrigin {
		return "*"
	}
	if origin != "" && p.origins[origin] {
		return origin
	}
	return ""
}

// CORS answers preflight requests and decorates responses for allowed origins.
func CORS(config ...CORSConfig) fiber.Handler {
	cfg := DefaultCORSConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	policy := newCORSPolicy(cfg)

	return func(c *fiber.Ctx) error {
		allowed := policy.allow(c.Get(fiber.HeaderOrigin))
		if allowed != "" {
			c.Set(fiber.HeaderAccessControlAllowOrigin, allowed)
			if allowed != "*" {
				c.Vary(fiber.HeaderOrigin)
			}
			if policy.credentials {
				c.Set(fiber.HeaderAccessControlAllowCredentials, "true")
			}
			if policy.exposed != "" {
				c.Set(fiber.HeaderAccessControlExposeHeaders, policy.exposed)
			}
		}

		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}
		if allowed != "" {
			for _, h := range policy.preflight {
				c.Set(h[0], h[1])
			}
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
