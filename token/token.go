package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	hmacext "github.com/alexellis/hmac/v2"
)

// Validity is how long a minted credential remains usable. Clients are
// expected to request a fresh token for every connection attempt rather
// than caching one across reconnects.
const Validity = 24 * time.Hour

var (
	ErrNoSecret     = errors.New("no signing secret configured")
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("token signature mismatch")
	ErrExpired      = errors.New("token expired")
)

// Issuer mints and validates the opaque connection credentials passed
// alongside a device id when dialing the coordination endpoint. The
// payload is accountId:issuedAtEpochMs with an HMAC-SHA256 signature
// over it.
type Issuer struct {
	secret string
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: secret}
}

func (i *Issuer) Mint(accountID string, now time.Time) (string, error) {
	if i.secret == "" {
		return "", ErrNoSecret
	}
	payload := fmt.Sprintf("%s:%d", accountID, now.UnixMilli())
	mac := hmac.New(sha256.New, []byte(i.secret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig, nil
}

// Validate checks the signature and the 24 hour validity window,
// returning the account id the token was minted for.
func (i *Issuer) Validate(tok string, now time.Time) (string, error) {
	if i.secret == "" {
		return "", ErrNoSecret
	}
	encoded, sig, found := strings.Cut(tok, ".")
	if !found {
		return "", ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	if err := hmacext.Validate(payload, "sha256="+sig, i.secret); err != nil {
		return "", ErrBadSignature
	}
	accountID, issuedAtRaw, found := strings.Cut(string(payload), ":")
	if !found || accountID == "" {
		return "", ErrMalformed
	}
	issuedAtMs, err := strconv.ParseInt(issuedAtRaw, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	issuedAt := time.UnixMilli(issuedAtMs)
	if now.Before(issuedAt) || now.Sub(issuedAt) > Validity {
		return "", ErrExpired
	}
	return accountID, nil
}
