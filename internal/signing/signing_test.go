package signing

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_KnownVector(t *testing.T) {
	secret := []byte("s3cr3t")
	path := "w_800,f_webp/example.com/a.jpg"

	sig := Sign(secret, path, "1700000000")
	assert.Equal(t, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", sig)
	assert.Len(t, sig, SigLen)

	assert.Equal(t, "-KdOtRtDnrTniDTWDkjlZCdu_6OVLw9U", Sign(secret, "_/example.com/a.jpg", ""))
}

func TestVerify(t *testing.T) {
	secret := []byte("s3cr3t")
	path := "w_800,f_webp/example.com/a.jpg"
	before := time.Unix(1699999000, 0)

	t.Run("valid before expiry", func(t *testing.T) {
		assert.True(t, Verify(secret, path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", "1700000000", before))
	})

	t.Run("valid at expiry second", func(t *testing.T) {
		assert.True(t, Verify(secret, path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", "1700000000", time.Unix(1700000000, 0)))
	})

	t.Run("expired", func(t *testing.T) {
		assert.False(t, Verify(secret, path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", "1700000000", time.Unix(1700000001, 0)))
	})

	t.Run("flipped character", func(t *testing.T) {
		assert.False(t, Verify(secret, path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVp", "1700000000", before))
	})

	t.Run("exp not covered by signature", func(t *testing.T) {
		sig := Sign(secret, path, "")
		assert.False(t, Verify(secret, path, sig, "1700000000", before))
	})

	t.Run("malformed exp", func(t *testing.T) {
		assert.False(t, Verify(secret, path, Sign(secret, path, "soon"), "soon", before))
		assert.False(t, Verify(secret, path, Sign(secret, path, "-5"), "-5", before))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, Verify([]byte("other"), path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", "1700000000", before))
	})

	t.Run("truncated signature", func(t *testing.T) {
		assert.False(t, Verify(secret, path, "tT-gcmppbU6CADLnBnuSJx9U1L9J1z", "1700000000", before))
	})
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	cases := []struct {
		secret string
		ops    string
		image  string
	}{
		{"sk_live_1", "_", "cdn.example.com/photos/cat.png"},
		{"sk_live_2", "w_100,h_100,fit_cover", "https://images.example.org/a b/ü.jpg"},
		{"", "q_1", "x/y"},
		{"sk_live_3", "f_auto", "example.com/a.jpg?v=2"},
	}
	for _, tc := range cases {
		path := tc.ops + "/" + tc.image
		for _, exp := range []string{"", "4102444800"} {
			sig := Sign([]byte(tc.secret), path, exp)
			assert.True(t, Verify([]byte(tc.secret), path, sig, exp, now), "%s exp=%q", path, exp)
		}
	}
}

func TestSignURL(t *testing.T) {
	secret := []byte("s3cr3t")
	raw := SignURL(secret, URLParams{
		KeyPrefix:   "pk_abc",
		ProjectSlug: "gallery",
		Operations:  "w_800,f_webp",
		ImagePath:   "example.com/a.jpg",
		ExpiresAt:   time.Unix(1700000000, 0),
	})

	path, query, ok := strings.Cut(raw, "?")
	require.True(t, ok)
	assert.Equal(t, "gallery/w_800,f_webp/example.com/a.jpg", path)

	q, err := url.ParseQuery(query)
	require.NoError(t, err)
	assert.Equal(t, "pk_abc", q.Get("key"))
	assert.Equal(t, "1700000000", q.Get("exp"))
	assert.Equal(t, "tT-gcmppbU6CADLnBnuSJx9U1L9J1zVo", q.Get("sig"))

	noExp := SignURL(secret, URLParams{KeyPrefix: "pk_abc", ProjectSlug: "g", Operations: "_", ImagePath: "example.com/a.jpg"})
	assert.NotContains(t, noExp, "exp=")
}
