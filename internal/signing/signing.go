// Package signing computes and verifies the HMAC signatures carried by
// optstuff image URLs.
//
// A signature covers "{operations}/{imagePath}", suffixed with
// "?exp={unixSeconds}" when the URL expires. It is the first SigLen
// characters of the unpadded base64url HMAC-SHA256 of that payload. Client
// SDKs compute the same value, so any change here invalidates every issued
// URL.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"
)

// SigLen is the number of base64url characters kept from the HMAC.
const SigLen = 32

// Payload returns the exact string the HMAC is computed over.
func Payload(signingPath, exp string) string {
	if exp == "" {
		return signingPath
	}
	return signingPath + "?exp=" + exp
}

// Sign returns the truncated signature for signingPath.
func Sign(secret []byte, signingPath, exp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Payload(signingPath, exp)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:SigLen]
}

// Verify reports whether sig is valid for signingPath at now. A present exp
// must be a unix timestamp not before now; otherwise the signature is
// rejected even if the HMAC matches.
func Verify(secret []byte, signingPath, sig, exp string, now time.Time) bool {
	if exp != "" {
		at, ok := ParseExpiry(exp)
		if !ok || now.After(at) {
			return false
		}
	}
	want := Sign(secret, signingPath, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

// ParseExpiry parses a unix-seconds expiry.
func ParseExpiry(exp string) (time.Time, bool) {
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

// URLParams describes a URL to sign.
type URLParams struct {
	KeyPrefix   string
	ProjectSlug string
	Operations  string
	ImagePath   string
	// ExpiresAt is optional; zero means the URL never expires.
	ExpiresAt time.Time
}

// SignURL returns "{slug}/{ops}/{imagePath}?exp=&key=&sig=", relative to the
// gateway path prefix.
func SignURL(secret []byte, p URLParams) string {
	var exp string
	if !p.ExpiresAt.IsZero() {
		exp = strconv.FormatInt(p.ExpiresAt.Unix(), 10)
	}
	signingPath := p.Operations + "/" + p.ImagePath

	q := url.Values{}
	q.Set("key", p.KeyPrefix)
	q.Set("sig", Sign(secret, signingPath, exp))
	if exp != "" {
		q.Set("exp", exp)
	}
	return p.ProjectSlug + "/" + signingPath + "?" + q.Encode()
}
