package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey        = "X-API-Key"
	AuthorizationScheme = "ApiKey"
)

// AgentAuth 校验探针上报密钥，GET/HEAD/OPTIONS 请求无需认证
func AgentAuth(apiKey string) echo.MiddlewareFunc {
	expected := []byte(apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(c)
			}

			key := requestAPIKey(c.Request())
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "缺少 API 密钥",
				})
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(key), expected) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "API 密钥无效",
				})
			}
			return next(c)
		}
	}
}

// requestAPIKey 从 X-API-Key 或 Authorization: ApiKey <key> 中读取密钥
func requestAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	scheme, key, ok := strings.Cut(strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization)), " ")
	if !ok || !strings.EqualFold(scheme, AuthorizationScheme) {
		return ""
	}
	return strings.TrimSpace(key)
}
