package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeToken(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestPeekClaims(t *testing.T) {
	claims, err := PeekClaims(makeToken(`{"sub":"u1","name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "Alice", claims["name"])

	_, err = PeekClaims("abc")
	assert.Error(t, err)
	_, err = PeekClaims("a.!!!.c")
	assert.Error(t, err)
	_, err = PeekClaims(makeToken(`not json`))
	assert.Error(t, err)
}

func TestSubjectOf(t *testing.T) {
	assert.Equal(t, "u1", SubjectOf(map[string]interface{}{"sub": "u1", "userId": "u2"}))
	assert.Equal(t, "u2", SubjectOf(map[string]interface{}{"userId": "u2"}))
	assert.Equal(t, "42", SubjectOf(map[string]interface{}{"id": float64(42)}))
	assert.Equal(t, "", SubjectOf(map[string]interface{}{"name": "x"}))
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: UidCookie, Value: "u1"})
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: makeToken(`{"userId":"u7"}`)})
	uid, err = c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u7", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: makeToken(`{"name":"x"}`)})
	_, err = c.Auth(r)
	assert.Error(t, err)
}
