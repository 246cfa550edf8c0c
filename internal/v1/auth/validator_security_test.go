package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A token signed HS256 with the public key material must be rejected on the
// signing method, before any signature check runs.
func TestValidator_AlgorithmConfusion(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			_, _ = w.Write(buf)
		}
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	domain := u.Host

	v, err := NewValidator(context.Background(), domain, "test-audience", jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signedString, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signedString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestHMACValidator_RoundTrip(t *testing.T) {
	v := NewHMACValidator("shared-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-42",
		"name":  "Ada",
		"email": "ada@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	claims, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestHMACValidator_RejectsWrongSecret(t *testing.T) {
	v := NewHMACValidator("right-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestHMACValidator_RejectsExpired(t *testing.T) {
	v := NewHMACValidator("shared-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}
