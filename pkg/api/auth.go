package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const userIDKey = "userID"

// JWTAuth validates HS256 bearer tokens issued by the dashboard. Browsers
// cannot set headers on websocket requests, so a token query parameter is
// accepted as well.
func JWTAuth(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString := ""
			if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
				tokenString = strings.TrimPrefix(h, "Bearer ")
			} else {
				tokenString = c.QueryParam("token")
			}
			if tokenString == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Authorization header required"})
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid claims"})
			}
			id, ok := claimUserID(claims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "userId claim missing"})
			}
			c.Set(userIDKey, id)
			return next(c)
		}
	}
}

// claimUserID reads userId, falling back to sub
func claimUserID(claims jwt.MapClaims) (int64, bool) {
	for _, key := range []string{"userId", "sub"} {
		switch v := claims[key].(type) {
		case float64:
			return int64(v), v > 0
		case string:
			id, err := strconv.ParseInt(v, 10, 64)
			return id, err == nil && id > 0
		}
	}
	return 0, false
}

// userID returns the authenticated user, or 0 when auth is off
func userID(c echo.Context) int64 {
	id, _ := c.Get(userIDKey).(int64)
	return id
}
