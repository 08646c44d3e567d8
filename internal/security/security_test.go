package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestCorrelationID(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get(CorrelationIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "bad id with spaces\n")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36)
	assert.NotContains(t, seen, " ")
}

func TestWriteJSONError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithCorrelationID(req.Context(), "cid-1"))
	rec := httptest.NewRecorder()

	WriteJSONErrorMessage(rec, req, http.StatusConflict, "date_already_taken", "2024-03-01")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cid-1", rec.Header().Get(CorrelationIDHeader))
	body := decodeError(t, rec)
	assert.Equal(t, "date_already_taken", body.Error)
	assert.Equal(t, "2024-03-01", body.Message)
	assert.Equal(t, "cid-1", body.CorrelationID)
}

func TestIPAllowlist(t *testing.T) {
	allow, err := ParseAllowlist([]string{"10.0.0.0/8", "192.168.1.7", ""})
	require.NoError(t, err)
	h := IPAllowlist(allow)(ok)

	cases := map[string]int{
		"10.1.2.3:5555":    http.StatusNoContent,
		"192.168.1.7:80":   http.StatusNoContent,
		"192.168.1.8:80":   http.StatusForbidden,
		"not-an-ip":        http.StatusForbidden,
		"[2001:db8::1]:80": http.StatusForbidden,
	}
	for addr, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, addr)
	}

	_, err = ParseAllowlist([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseAllowlist([]string{"host.example"})
	assert.Error(t, err)

	open := IPAllowlist(nil)(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSchemaSet(t *testing.T) {
	set, err := NewSchemaSet(map[string]string{
		"mint": `{
			"type": "object",
			"required": ["quantity"],
			"properties": {"quantity": {"type": "integer", "minimum": 1}},
			"additionalProperties": false
		}`,
	})
	require.NoError(t, err)

	var got string
	h := set.Validate("mint")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Quantity int64 }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = "ok"
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		body string
		code int
		err  string
	}{
		{`{"quantity": 10}`, http.StatusNoContent, ""},
		{`{"quantity": 0}`, http.StatusBadRequest, "validation_error"},
		{`{"quantity": 1, "extra": true}`, http.StatusBadRequest, "validation_error"},
		{`{"quantity":`, http.StatusBadRequest, "invalid_json"},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(c.body)))
		assert.Equal(t, c.code, rec.Code, c.body)
		if c.err != "" {
			assert.Equal(t, c.err, decodeError(t, rec).Error)
		}
	}
	assert.Equal(t, "ok", got)

	_, err = NewSchemaSet(map[string]string{"broken": `{"type": 12}`})
	assert.Error(t, err)
	assert.Panics(t, func() { set.Validate("absent") })
}

func TestBodySizeLimit(t *testing.T) {
	set, err := NewSchemaSet(map[string]string{"any": `{}`})
	require.NoError(t, err)
	h := BodySizeLimit(16)(set.Validate("any")(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func newLimiter(t *testing.T, capacity int, rate float64) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	return &RateLimiter{
		Redis:      client,
		Prefix:     "rl",
		Capacity:   capacity,
		RefillRate: rate,
		Now:        func() time.Time { return now },
	}, &now
}

func TestRateLimiter_Allow(t *testing.T) {
	l, now := newLimiter(t, 2, 1)
	ctx := context.Background()

	d, err := l.Allow(ctx, "bnd")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = l.Allow(ctx, "bnd")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "bnd")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = l.Allow(ctx, "custodian")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per key")

	*now = now.Add(1500 * time.Millisecond)
	d, err = l.Allow(ctx, "bnd")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimit_Middleware(t *testing.T) {
	l, _ := newLimiter(t, 1, 0.5)
	h := RateLimit(l, ClientIPKey)(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)
}

func TestRateLimit_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	l := &RateLimiter{Redis: client, Capacity: 1, RefillRate: 1}
	h := RateLimit(l, ClientIPKey)(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	var l *RateLimiter
	d, err := l.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func writeSelfSigned(t *testing.T, dir, cn string) (certFile, keyFile string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, cn+".crt")
	keyFile = filepath.Join(dir, cn+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir, "registerd")

	cfg, err := LoadServerTLSConfig(TLSConfig{CertFile: cert, KeyFile: key})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Nil(t, cfg.ClientCAs)

	ca, _ := writeSelfSigned(t, dir, "clients-ca")
	cfg, err = LoadServerTLSConfig(TLSConfig{CertFile: cert, KeyFile: key, ClientCAFile: ca})
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerTLSConfig(TLSConfig{CertFile: filepath.Join(dir, "absent.crt"), KeyFile: key})
	assert.Error(t, err)

	bogus := filepath.Join(dir, "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not pem"), 0o600))
	_, err = LoadServerTLSConfig(TLSConfig{CertFile: cert, KeyFile: key, ClientCAFile: bogus})
	assert.Error(t, err)

	assert.True(t, TLSConfig{CertFile: cert, KeyFile: key}.Enabled())
	assert.False(t, TLSConfig{}.Enabled())
	assert.Empty(t, PeerIdentity(httptest.NewRequest(http.MethodGet, "/", nil)))
}
