package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/brokercore/internal/config"
)

// Permissions checked by route groups
const (
	PermOrdersRead   = "orders:read"
	PermOrdersWrite  = "orders:write"
	PermGatewayAdmin = "gateway:admin"
)

const defaultKeyHeader = "X-API-Key"

// Keyring holds the accepted API key digests
type Keyring struct {
	enabled bool
	header  string
	keys    []config.APIKeyConfig
}

// NewKeyring builds a keyring from configuration
func NewKeyring(cfg config.APIAuthConfig) *Keyring {
	keys := make([]config.APIKeyConfig, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		k.Hash = strings.ToLower(k.Hash)
		keys = append(keys, k)
	}
	return &Keyring{enabled: cfg.Enabled, header: headerOrDefault(cfg.HeaderName), keys: keys}
}

func headerOrDefault(h string) string {
	if h == "" {
		return defaultKeyHeader
	}
	return h
}

// HashAPIKey creates a SHA-256 hash of an API key
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// lookup compares against every key so timing does not reveal which matched
func (k *Keyring) lookup(raw string) *config.APIKeyConfig {
	digest := []byte(HashAPIKey(raw))
	var found *config.APIKeyConfig
	for i := range k.keys {
		if subtle.ConstantTimeCompare(digest, []byte(k.keys[i].Hash)) == 1 {
			found = &k.keys[i]
		}
	}
	return found
}

func (k *Keyring) extract(c *gin.Context) string {
	if key := c.GetHeader(k.header); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// AuthMiddleware validates the API key when authentication is enabled
func (k *Keyring) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.enabled {
			c.Next()
			return
		}

		raw := k.extract(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key via " + k.header + " header or Authorization: Bearer <key>",
			})
			return
		}

		key := k.lookup(raw)
		if key == nil {
			log.Warn().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Auth: Invalid API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		c.Set("api_key_name", key.Name)
		c.Set("permissions", key.Permissions)
		c.Next()
	}
}

// RequirePermission rejects authenticated callers lacking permission.
// It is a no-op when authentication is disabled.
func (k *Keyring) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.enabled {
			c.Next()
			return
		}

		perms, _ := c.Get("permissions")
		list, _ := perms.([]string)
		for _, p := range list {
			if p == permission || p == "*" {
				c.Next()
				return
			}
		}

		log.Warn().
			Str("required", permission).
			Str("key", c.GetString("api_key_name")).
			Str("path", c.Request.URL.Path).
			Msg("Auth: Permission denied")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":    "Insufficient permissions",
			"required": permission,
		})
	}
}
