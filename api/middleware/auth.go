/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"net/http"
	"strings"

	"github.com/blnkfinance/payouts/config"
	"github.com/gin-gonic/gin"
)

const (
	KeyHeader = "X-Payouts-Key"
)

// pathToResource maps the first path segment to the resource a scoped key needs.
var pathToResource = map[string]Resource{
	"payouts":        ResourcePayouts,
	"webhook-events": ResourceWebhookEvents,
	"reconciliation": ResourceReconciliation,
}

// publicPrefixes are never key-authenticated. Provider callbacks carry an
// HMAC signature instead and are verified by the ingestor.
var publicPrefixes = []string{"/webhooks/", "/health"}

func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

func isPublic(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Authenticate checks the X-Payouts-Key header on operator routes. The master
// secret key may call anything; a configured API key is limited to its scopes.
//
// Responses:
// - 401 Unauthorized: When the key is missing or unknown.
// - 403 Forbidden: When the key lacks the scope for the route.
// - 500 Internal Server Error: When secure mode is on but no secret key is configured.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublic(c.Request.URL.Path) {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "configuration is not loaded"})
			return
		}
		if !conf.Server.Secure {
			c.Next()
			return
		}
		if conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		key := extractKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required. Use X-Payouts-Key header"})
			return
		}

		if secureCompare(conf.Server.SecretKey, key) {
			c.Set("isMasterKey", true)
			c.Next()
			return
		}

		apiKey, ok := findAPIKey(conf.Server.APIKeys, key)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		resource := getResourceFromPath(c.Request.URL.Path)
		if resource == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown resource type"})
			return
		}
		if !HasPermission(apiKey.Scopes, resource, c.Request.Method) {
			action := methodToAction[c.Request.Method]
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions for " + BuildScope(resource, action)})
			return
		}

		c.Set("apiKey", apiKey.Name)
		c.Next()
	}
}

func findAPIKey(keys []config.APIKey, key string) (config.APIKey, bool) {
	for _, k := range keys {
		if k.Key != "" && secureCompare(k.Key, key) {
			return k, true
		}
	}
	return config.APIKey{}, false
}

func extractKey(c *gin.Context) string {
	return c.GetHeader(KeyHeader)
}
