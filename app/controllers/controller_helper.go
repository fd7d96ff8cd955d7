package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// clientIP determines the caller address behind Cloudflare or a reverse proxy.
// It is only used for logging.
func clientIP(c *fiber.Ctx) string {
	if cf := strings.TrimSpace(c.Get("CF-Connecting-IP")); cf != "" {
		return cf
	}

	// X-Forwarded-For can contain a list of IPs - the first one is the original client IP
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	if real := strings.TrimSpace(c.Get("X-Real-IP")); real != "" {
		return real
	}

	return strings.TrimPrefix(c.IP(), "::ffff:")
}
