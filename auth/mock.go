package auth

import (
	"fmt"
	"net/http"
)

const (
	UidCookie   = "x-uid"
	TokenCookie = "token"
)

// MockClient trusts the `x-uid` cookie, or the subject of an unverified
// `token` cookie. Development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	if c, err := r.Cookie(UidCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		claims, err := PeekClaims(c.Value)
		if err != nil {
			return "", err
		}
		if uid := SubjectOf(claims); uid != "" {
			return uid, nil
		}
		return "", fmt.Errorf("token without subject")
	}

	return "", fmt.Errorf("empty %s or %s from cookie", UidCookie, TokenCookie)
}
