package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderDID       = "X-DID"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	// ReplayWindow bounds the distance between a request timestamp and now.
	ReplayWindow = 5 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// VerifyRequestSignature authenticates method||path||timestampMs. Identities
// without the did:key prefix fall back to a shared-secret HMAC-SHA256 (hex).
func VerifyRequestSignature(method, path, timestampMs, signature, did, legacySecret string) bool {
	return verifyRequestSignatureAt(method, path, timestampMs, signature, did, legacySecret, time.Now())
}

func verifyRequestSignatureAt(method, path, timestampMs, signature, did, legacySecret string, now time.Time) bool {
	if signature == "" || timestampMs == "" || did == "" {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampMs), 10, 64)
	if err != nil {
		return false
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > ReplayWindow.Milliseconds() {
		return false
	}

	payload := []byte(method + path + timestampMs)
	if !IsDID(did) {
		if legacySecret == "" {
			return false
		}
		return hmac.Equal([]byte(signature), []byte(legacyHMAC(legacySecret, payload)))
	}
	return Verify(payload, signature, did)
}

func legacyHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest produces the authentication headers for a request made by kp.
func SignRequest(kp Keypair, method, path string, now time.Time) http.Header {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sig := kp.Sign([]byte(method + path + ts))
	h := http.Header{}
	h.Set(HeaderDID, kp.DID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return h
}

// LegacySecretLookup returns the shared HMAC secret of a pre-DID identity.
type LegacySecretLookup func(ctx context.Context, id string) (string, bool)

type Authenticator struct {
	legacy LegacySecretLookup
	logger *slog.Logger
	now    func() time.Time
}

func NewAuthenticator(legacy LegacySecretLookup, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{legacy: legacy, logger: logger, now: time.Now}
}

// Authenticate checks the request headers and returns the caller's identifier.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	did := r.Header.Get(HeaderDID)
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	if did == "" || sig == "" || ts == "" {
		return "", ErrUnauthorized
	}
	secret := ""
	if !IsDID(did) && a.legacy != nil {
		secret, _ = a.legacy(r.Context(), did)
	}
	if !verifyRequestSignatureAt(r.Method, r.URL.Path, ts, sig, did, secret, a.now()) {
		return "", ErrUnauthorized
	}
	return did, nil
}

type callerKey struct{}

// CallerID returns the authenticated identifier stored by Middleware.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			a.logger.Debug("request authentication failed",
				"component", "identity",
				"operation", "authenticate",
				"path", r.URL.Path,
				"did", r.Header.Get(HeaderDID),
			)
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}
