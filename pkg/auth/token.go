// Package auth issues and resolves the signed session token carried in
// the "token" cookie. Verification is a pure local HMAC check; there is
// no network dependency and claims are never cached across requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TokenCookie is the cookie name holding the session token.
const TokenCookie = "token"

// Roles carried in the token. The role set is closed.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrUnauthenticated is the only credential failure surfaced to callers.
// A missing cookie and an invalid token are deliberately indistinguishable
// so responses do not leak which check failed.
var ErrUnauthenticated = errors.New("unauthenticated")

var errInvalidCredential = errors.New("invalid credential")

// Claims is the verified token payload: the subject's user id and role.
type Claims struct {
	Sub  int    `json:"sub"`
	Role string `json:"role"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign produces an HS256 token for the claims with the given lifetime.
func Sign(sub int, role, secret string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	if role != RoleUser && role != RoleAdmin {
		return "", errors.New("unknown role")
	}
	headerJSON, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	claims := Claims{Sub: sub, Role: role, Iat: now.Unix(), Exp: now.Add(ttl).Unix()}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature, shape and expiry and returns the claims.
func Verify(token, secret string, now time.Time) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("verification secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, errInvalidCredential
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, errInvalidCredential
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, errInvalidCredential
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, errInvalidCredential
	}
	var header tokenHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Claims{}, errInvalidCredential
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Claims{}, errInvalidCredential
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, errInvalidCredential
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Claims{}, errInvalidCredential
	}
	if claims.Sub <= 0 {
		return Claims{}, errInvalidCredential
	}
	if claims.Role != RoleUser && claims.Role != RoleAdmin {
		return Claims{}, errInvalidCredential
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return Claims{}, errInvalidCredential
	}
	return claims, nil
}

// ResolveRequest reads the token cookie and verifies it. Both absence and
// invalidity come back as ErrUnauthenticated.
func ResolveRequest(r *http.Request, secret string, now time.Time) (Claims, error) {
	cookie, err := r.Cookie(TokenCookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Claims{}, ErrUnauthenticated
	}
	claims, err := Verify(cookie.Value, secret, now)
	if err != nil {
		return Claims{}, ErrUnauthenticated
	}
	return claims, nil
}

// SetTokenCookie installs the session cookie. HttpOnly always; Secure is
// the deployment's call (false only behind local plain HTTP).
func SetTokenCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearTokenCookie expires the session cookie.
func ClearTokenCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
