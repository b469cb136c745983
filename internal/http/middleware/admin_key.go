package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	ctxAdminID     = "admin_id"
)

// AdminIDFromCtx returns the caller identity set by AdminKeyMiddleware: a
// short hash of the key, never the key itself.
func AdminIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxAdminID).(string)
	return id, ok && id != ""
}

// AdminKeyMiddleware authenticates operator requests by X-Admin-Key against
// the configured keys. With no keys configured every request is refused.
func AdminKeyMiddleware(keys []string) echo.MiddlewareFunc {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(AdminKeyHeader))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing admin key"})
			}
			matched := false
			for _, v := range valid {
				if subtle.ConstantTimeCompare([]byte(key), v) == 1 {
					matched = true
				}
			}
			if !matched {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			}
			sum := sha256.Sum256([]byte(key))
			c.Set(ctxAdminID, hex.EncodeToString(sum[:6]))
			return next(c)
		}
	}
}
