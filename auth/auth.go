package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (string, error)
}

// PeekClaims decodes the payload of a JWT without verifying its signature.
// It is meant for diagnostics and for development auth only.
func PeekClaims(token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token: expect 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("token: decode payload: %v", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("token: unmarshal payload: %v", err)
	}
	return claims, nil
}

// SubjectOf returns the user id carried by claims, trying `sub`, `userId` then `id`.
func SubjectOf(claims map[string]interface{}) string {
	for _, k := range []string{"sub", "userId", "id"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
