// Package auth signs every outbound request to the exchange with an
// asymmetric key over timestamp‖METHOD‖path, as required by C1.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polymarket-signal-trader/internal/config"
)

// Auth holds the Ed25519 key pair used to sign requests and produce the
// three required auth headers.
type Auth struct {
	accessKey  string
	privateKey ed25519.PrivateKey
}

// New constructs an Auth from configuration. The secret key is base64
// decoded; the first 32 bytes are the raw private scalar fed to
// ed25519.NewKeyFromSeed. A secret that decodes to fewer than 32 bytes is a
// fatal configuration error, surfaced here and never retried, per §4.1.
func New(cfg config.AuthConfig) (*Auth, error) {
	raw, err := decodeSecret(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) < ed25519.SeedSize {
		return nil, fmt.Errorf("secret key too short: got %d bytes, need at least %d", len(raw), ed25519.SeedSize)
	}

	seed := raw[:ed25519.SeedSize]
	return &Auth{
		accessKey:  cfg.AccessKey,
		privateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// decodeSecret tries the base64 variants the exchange's own tooling has been
// observed to emit, mirroring the teacher's defensive multi-decoder
// buildHMAC helper.
func decodeSecret(s string) ([]byte, error) {
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, dec := range decoders {
		if b, err := dec.DecodeString(s); err == nil {
			return b, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// AccessKey returns the configured access key id.
func (a *Auth) AccessKey() string {
	return a.accessKey
}

// Headers signs (method, path) at the given instant and returns the three
// required auth headers. path must not include scheme, host, or query
// string — only the path is signed.
func (a *Auth) Headers(method, path string, now time.Time) map[string]string {
	ts := now.UnixMilli()
	sig := a.Sign(method, path, ts)
	return map[string]string{
		"X-PM-Access-Key": a.accessKey,
		"X-PM-Timestamp":  strconv.FormatInt(ts, 10),
		"X-PM-Signature":  base64.StdEncoding.EncodeToString(sig),
	}
}

// Sign produces the raw Ed25519 signature over timestampMs‖METHOD‖path.
// Signature computation is infallible once the key has loaded successfully.
func (a *Auth) Sign(method, path string, timestampMs int64) []byte {
	msg := strconv.FormatInt(timestampMs, 10) + strings.ToUpper(method) + path
	return ed25519.Sign(a.privateKey, []byte(msg))
}
