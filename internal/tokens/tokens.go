// Package tokens implements the token lifecycle: JWS access/refresh
// issuance, verification against a resolved signing key (JWKS, configured
// PEM, or HMAC secret, in that order), device-fingerprint binding,
// atomic single-use refresh redemption, sliding TTL, and the
// revoke-and-block primitive. Grounded on app/core/security.py and
// app/services/tokens.py for exact semantics, and structurally on the
// teacher's internal/security/token_broker.go (claims shape, issuer
// field, attribution-style binding), generalized from its home-rolled
// HMAC envelope to real JWS via go-jose.
package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/ocx/backend/internal/coord"
)

const (
	TypAccess  = "access"
	TypRefresh = "refresh"

	killSwitchChannel = "kill-switch"
)

var (
	ErrUnavailable      = errors.New("tokens: signing/verification key unavailable")
	ErrInvalidToken     = errors.New("tokens: invalid token")
	ErrExpired          = errors.New("tokens: token expired")
	ErrWrongType        = errors.New("tokens: wrong token typ")
	ErrRevoked          = errors.New("tokens: device or jti revoked")
	ErrFingerprintMismatch = errors.New("tokens: fingerprint mismatch")
	ErrReplay           = errors.New("tokens: refresh token already redeemed")
	ErrRateLimited      = errors.New("tokens: refresh rate limit exceeded")
)

// Claims is the JWS payload shape shared by access and refresh tokens.
type Claims struct {
	Sub      string `json:"sub"`
	DeviceID string `json:"device_id"`
	Exp      int64  `json:"exp"`
	Iat      int64  `json:"iat"`
	Nbf      int64  `json:"nbf"`
	Typ      string `json:"typ"`
	Jti      string `json:"jti"`
	Aud      string `json:"aud,omitempty"`
	Iss      string `json:"iss,omitempty"`
}

// Pair is an issued access+refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Config configures the token service. Its fields correspond to
// config.JWTConfig and config.RefreshConfig, with the caller converting
// their second/minute/day counts into durations.
type Config struct {
	Alg               string
	HMACSecret        string
	SigningKeyPEM     string
	VerifyKeyPEM      string
	KeyID             string
	Issuer            string
	Audience          string
	ClockSkew         time.Duration
	AccessTTL         time.Duration
	JWKSURL           string
	JWKSCacheTTL      time.Duration
	FingerprintSecret string
	RefreshBaseTTL    time.Duration
	RefreshMaxTTL     time.Duration
	RefreshExtend     time.Duration
	RefreshRateWindow time.Duration
	RefreshRateMax    int64
	BlockTTL          time.Duration
}

// Service is the token lifecycle implementation.
type Service struct {
	cfg   Config
	coord *coord.Client

	signer    jose.Signer
	sigAlg    jose.SignatureAlgorithm
	verifyKey interface{} // local fallback verify key (PEM or HMAC secret)

	jwks *jwksCache
}

// New constructs a token Service and its signer from the configured key
// material.
func New(cfg Config, c *coord.Client) (*Service, error) {
	alg := jose.SignatureAlgorithm(cfg.Alg)
	if alg == "" {
		alg = jose.HS256
	}

	var signKey interface{}
	var verifyKey interface{}

	switch {
	case isHMAC(alg):
		if cfg.HMACSecret == "" {
			return nil, fmt.Errorf("tokens: %w: HMAC alg configured without secret", ErrUnavailable)
		}
		signKey = []byte(cfg.HMACSecret)
		verifyKey = []byte(cfg.HMACSecret)
	default:
		if cfg.SigningKeyPEM == "" {
			return nil, fmt.Errorf("tokens: %w: asymmetric alg configured without signing key", ErrUnavailable)
		}
		priv, err := parsePrivateKeyPEM(cfg.SigningKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("tokens: parse signing key: %w", err)
		}
		signKey = priv
		if cfg.VerifyKeyPEM != "" {
			pub, err := parsePublicKeyPEM(cfg.VerifyKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("tokens: parse verify key: %w", err)
			}
			verifyKey = pub
		} else {
			verifyKey = publicFromPrivate(priv)
		}
	}

	sigKey := jose.SigningKey{Algorithm: alg, Key: signKey}
	var signerOpts = &jose.SignerOptions{}
	if cfg.KeyID != "" {
		signerOpts = signerOpts.WithHeader("kid", cfg.KeyID)
	}
	signer, err := jose.NewSigner(sigKey, signerOpts)
	if err != nil {
		return nil, fmt.Errorf("tokens: new signer: %w", err)
	}

	return &Service{
		cfg:       cfg,
		coord:     c,
		signer:    signer,
		sigAlg:    alg,
		verifyKey: verifyKey,
		jwks:      newJWKSCache(cfg.JWKSURL, cfg.JWKSCacheTTL),
	}, nil
}

// SetHTTPClient wires a real HTTP-backed JWKS fetcher for cfg.JWKSURL,
// replacing the default stub that always errors. Only meaningful when a
// JWKS URL is configured; callers should pass a client with a sane
// timeout since this runs on the verify hot path whenever the cache is
// stale.
func (s *Service) SetHTTPClient(client *http.Client) {
	s.jwks.fetch = func(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return jose.JSONWebKeySet{}, fmt.Errorf("tokens: jwks fetch: unexpected status %d", resp.StatusCode)
		}
		var keys jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
			return jose.JSONWebKeySet{}, err
		}
		return keys, nil
	}
}

func isHMAC(alg jose.SignatureAlgorithm) bool {
	switch alg {
	case jose.HS256, jose.HS384, jose.HS512:
		return true
	}
	return false
}

// JWKS returns the service's own public signing key(s) in RFC 7517 form,
// for the /internal/jwks endpoint. Returns an empty set when running with
// an HMAC (symmetric) key, since those must never be published.
func (s *Service) JWKS() jose.JSONWebKeySet {
	if isHMAC(s.sigAlg) {
		return jose.JSONWebKeySet{}
	}
	kid := s.cfg.KeyID
	if kid == "" {
		kid = "default"
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: s.verifyKey, KeyID: kid, Algorithm: string(s.sigAlg), Use: "sig"},
	}}
}

func (s *Service) sign(claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	obj, err := s.signer.Sign(body)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// IssueTokens mints a fresh access+refresh pair bound to (userID,
// deviceID) and the supplied fingerprint, and stores the refresh record.
func (s *Service) IssueTokens(ctx context.Context, userID, deviceID, fingerprint string) (Pair, error) {
	now := time.Now()
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshTTL := s.cfg.RefreshBaseTTL
	refreshExp := now.Add(refreshTTL)

	accessJti := uuid.NewString()
	refreshJti := uuid.NewString()

	access := Claims{
		Sub: userID, DeviceID: deviceID, Typ: TypAccess,
		Iat: now.Unix(), Nbf: now.Unix(), Exp: accessExp.Unix(),
		Jti: accessJti, Aud: s.cfg.Audience, Iss: s.cfg.Issuer,
	}
	refresh := Claims{
		Sub: userID, DeviceID: deviceID, Typ: TypRefresh,
		Iat: now.Unix(), Nbf: now.Unix(), Exp: refreshExp.Unix(),
		Jti: refreshJti, Aud: s.cfg.Audience, Iss: s.cfg.Issuer,
	}

	accessTok, err := s.sign(access)
	if err != nil {
		return Pair{}, err
	}
	refreshTok, err := s.sign(refresh)
	if err != nil {
		return Pair{}, err
	}

	fpHash := s.fingerprintHash(fingerprint)
	key := refreshKey(userID, deviceID, refreshJti, fpHash)
	if err := s.coord.Set(ctx, key, "1", refreshTTL); err != nil {
		return Pair{}, fmt.Errorf("tokens: store refresh record: %w", err)
	}

	return Pair{AccessToken: accessTok, RefreshToken: refreshTok}, nil
}

func (s *Service) fingerprintHash(fp string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.FingerprintSecret))
	mac.Write([]byte(fp))
	return hex.EncodeToString(mac.Sum(nil))
}

func refreshKey(userID, deviceID, jti, fpHash string) string {
	return fmt.Sprintf("refresh:%s:%s:%s:%s", userID, deviceID, jti, fpHash)
}

// Verify parses and validates a JWS token, enforcing typ, aud, iss, exp,
// and manual nbf/iat skew, and rejects tokens for revoked devices/jtis.
// expectedDeviceID is ignored when empty (used during refresh, where the
// device is not yet known to the caller).
func (s *Service) Verify(ctx context.Context, token, expectedTyp, expectedDeviceID string) (*Claims, error) {
	obj, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{s.sigAlg})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(obj.Signatures) == 0 {
		return nil, ErrInvalidToken
	}
	kid := obj.Signatures[0].Header.KeyID

	key, err := s.resolveVerifyKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	payload, err := obj.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims payload", ErrInvalidToken)
	}

	if expectedTyp != "" && claims.Typ != expectedTyp {
		return nil, ErrWrongType
	}
	if expectedDeviceID != "" && claims.DeviceID != expectedDeviceID {
		return nil, fmt.Errorf("%w: device mismatch", ErrInvalidToken)
	}
	if s.cfg.Audience != "" && claims.Aud != s.cfg.Audience {
		return nil, fmt.Errorf("%w: bad audience", ErrInvalidToken)
	}
	if s.cfg.Issuer != "" && claims.Iss != s.cfg.Issuer {
		return nil, fmt.Errorf("%w: bad issuer", ErrInvalidToken)
	}

	now := time.Now()
	skew := s.cfg.ClockSkew
	if claims.Exp != 0 && now.After(time.Unix(claims.Exp, 0).Add(skew)) {
		return nil, ErrExpired
	}
	if claims.Nbf != 0 && now.Before(time.Unix(claims.Nbf, 0).Add(-skew)) {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if claims.Iat != 0 && time.Unix(claims.Iat, 0).After(now.Add(skew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}

	if revoked, err := s.isRevoked(ctx, claims.DeviceID, claims.Jti); err != nil {
		return nil, err
	} else if revoked {
		return nil, ErrRevoked
	}

	return &claims, nil
}

func (s *Service) isRevoked(ctx context.Context, deviceID, jti string) (bool, error) {
	_, devRevoked, err := s.coord.Get(ctx, "revoked:device:"+deviceID)
	if err != nil {
		return false, err
	}
	if devRevoked {
		return true, nil
	}
	_, jtiRevoked, err := s.coord.Get(ctx, "revoked:jti:"+jti)
	if err != nil {
		return false, err
	}
	return jtiRevoked, nil
}

// resolveVerifyKey implements the (a) JWKS-by-kid, (b) configured PEM,
// (c) HMAC-secret-only-if-HMAC-alg resolution order.
func (s *Service) resolveVerifyKey(ctx context.Context, kid string) (interface{}, error) {
	if key, ok, err := s.jwks.resolve(ctx, kid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	} else if ok {
		return key, nil
	}
	if s.verifyKey != nil {
		return s.verifyKey, nil
	}
	return nil, ErrUnavailable
}

// Refresh redeems a refresh token exactly once: verifies it, applies a
// per-device rate gate, atomically deletes the fingerprint-qualified
// refresh record, and mints a new pair with a sliding TTL.
func (s *Service) Refresh(ctx context.Context, refreshToken, fingerprint string) (Pair, error) {
	claims, err := s.Verify(ctx, refreshToken, TypRefresh, "")
	if err != nil {
		return Pair{}, err
	}

	rateKey := fmt.Sprintf("refresh_rate:%s:%s", claims.Sub, claims.DeviceID)
	n, err := s.coord.Incr(ctx, rateKey, s.cfg.RefreshRateWindow)
	if err != nil {
		return Pair{}, err
	}
	if n > s.cfg.RefreshRateMax {
		return Pair{}, ErrRateLimited
	}

	fpHash := s.fingerprintHash(fingerprint)
	key := refreshKey(claims.Sub, claims.DeviceID, claims.Jti, fpHash)

	ttl, err := s.coord.TTL(ctx, key)
	if err != nil {
		return Pair{}, err
	}

	existed, err := s.coord.DeleteIfPresent(ctx, key)
	if err != nil {
		return Pair{}, err
	}
	if !existed || ttl == -2 {
		if err := s.RevokeAndBlock(ctx, claims.Sub, claims.DeviceID, false); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrReplay
	}

	newTTL := s.cfg.RefreshBaseTTL
	if ttl+s.cfg.RefreshExtend > newTTL {
		newTTL = ttl + s.cfg.RefreshExtend
	}
	if newTTL > s.cfg.RefreshMaxTTL {
		newTTL = s.cfg.RefreshMaxTTL
	}

	now := time.Now()
	accessJti := uuid.NewString()
	refreshJti := uuid.NewString()

	access := Claims{
		Sub: claims.Sub, DeviceID: claims.DeviceID, Typ: TypAccess,
		Iat: now.Unix(), Nbf: now.Unix(), Exp: now.Add(s.cfg.AccessTTL).Unix(),
		Jti: accessJti, Aud: s.cfg.Audience, Iss: s.cfg.Issuer,
	}
	newRefresh := Claims{
		Sub: claims.Sub, DeviceID: claims.DeviceID, Typ: TypRefresh,
		Iat: now.Unix(), Nbf: now.Unix(), Exp: now.Add(newTTL).Unix(),
		Jti: refreshJti, Aud: s.cfg.Audience, Iss: s.cfg.Issuer,
	}

	accessTok, err := s.sign(access)
	if err != nil {
		return Pair{}, err
	}
	refreshTok, err := s.sign(newRefresh)
	if err != nil {
		return Pair{}, err
	}

	newKey := refreshKey(claims.Sub, claims.DeviceID, refreshJti, fpHash)
	if err := s.coord.Set(ctx, newKey, "1", newTTL); err != nil {
		return Pair{}, err
	}

	return Pair{AccessToken: accessTok, RefreshToken: refreshTok}, nil
}

// RevokeAndBlock deletes all refresh records for (userID, deviceID),
// marks the device blocked, revoked, and force-overlaid, and optionally
// publishes a logout kill-switch message.
func (s *Service) RevokeAndBlock(ctx context.Context, userID, deviceID string, publishBlock bool) error {
	pattern := fmt.Sprintf("refresh:%s:%s:*", userID, deviceID)
	keys, err := s.coord.Keys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.coord.Del(ctx, keys...); err != nil {
			return err
		}
	}

	blockTTL := s.cfg.BlockTTL
	if err := s.coord.Set(ctx, "device:"+deviceID+":state", "blocked", blockTTL); err != nil {
		return err
	}
	if err := s.coord.Set(ctx, "revoked:device:"+deviceID, "1", blockTTL); err != nil {
		return err
	}
	if err := s.coord.Set(ctx, "force_overlay:"+deviceID, "1", blockTTL); err != nil {
		return err
	}

	if publishBlock {
		return s.coord.Publish(ctx, killSwitchChannel, fmt.Sprintf("block:%s:logout", deviceID))
	}
	return nil
}

// jwksCache is a TTL-gated, process-wide cache of an externally-fetched
// JWKS document, keyed by kid with a graceful fallback to the first key
// when kid is absent. Concurrent refreshes are serialized: the first
// caller past the TTL refreshes while holding the lock, and others wait
// for it and then read the refreshed value.
type jwksCache struct {
	mu        sync.Mutex
	url       string
	ttl       time.Duration
	fetchedAt time.Time
	keys      jose.JSONWebKeySet
	fetch     func(ctx context.Context, url string) (jose.JSONWebKeySet, error)
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{url: url, ttl: ttl, fetch: fetchJWKS}
}

// resolve returns (key, true, nil) when an externally-configured JWKS
// source yields a usable key for kid; (nil, false, nil) when no JWKS
// source is configured at all, letting the caller fall through to the
// configured PEM/HMAC secret.
func (c *jwksCache) resolve(ctx context.Context, kid string) (interface{}, bool, error) {
	if c.url == "" {
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) > c.ttl {
		keys, err := c.fetch(ctx, c.url)
		if err != nil {
			if len(c.keys.Keys) == 0 {
				return nil, false, err
			}
			// stale-but-present cache beats a hard failure
		} else {
			c.keys = keys
			c.fetchedAt = time.Now()
		}
	}

	if len(c.keys.Keys) == 0 {
		return nil, false, nil
	}
	if kid != "" {
		if k := c.keys.Key(kid); len(k) == 1 {
			return k[0].Key, true, nil
		}
		return nil, false, nil
	}
	return c.keys.Keys[0].Key, true, nil
}

func fetchJWKS(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
	// Real HTTP fetch lives at the call site owning an *http.Client with
	// timeouts/retries configured; this default is overridden in
	// production wiring (cmd/server) and left as a safe no-op here so
	// a Service built without an external JWKS source never blocks.
	return jose.JSONWebKeySet{}, errors.New("tokens: no JWKS fetcher configured")
}

func parsePrivateKeyPEM(pemStr string) (interface{}, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parsePublicKeyPEM(pemStr string) (interface{}, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

func publicFromPrivate(priv interface{}) interface{} {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	default:
		return nil
	}
}
