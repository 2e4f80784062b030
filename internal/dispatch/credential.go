package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// Credential lifetime defaults. A credential is reissued when its remaining
// lifetime drops below the refresh threshold, so a run submitted just
// before expiry still leaves workers enough time to fetch their config.
const (
	DefaultCredentialTTL    = 4 * time.Hour
	DefaultRefreshThreshold = time.Hour
)

// HMACIssuer mints expiring signed references into the configuration
// artifact store. The signature covers the artifact name and the expiry, so
// neither can be altered without invalidating the reference.
type HMACIssuer struct {
	baseURL   string
	secret    []byte
	ttl       time.Duration
	threshold time.Duration
	clock     func() time.Time
}

func NewHMACIssuer(baseURL string, secret []byte) *HMACIssuer {
	return &HMACIssuer{
		baseURL:   baseURL,
		secret:    secret,
		ttl:       DefaultCredentialTTL,
		threshold: DefaultRefreshThreshold,
		clock:     time.Now,
	}
}

// WithTTL overrides the credential lifetime and refresh threshold.
func (i *HMACIssuer) WithTTL(ttl, threshold time.Duration) *HMACIssuer {
	if ttl > 0 {
		i.ttl = ttl
	}
	if threshold > 0 {
		i.threshold = threshold
	}
	return i
}

// Issue mints a credentialed artifact reference valid for the configured TTL.
func (i *HMACIssuer) Issue(_ context.Context, artifact string) (domain.Credential, error) {
	if artifact == "" {
		return domain.Credential{}, fmt.Errorf("credential: artifact is required")
	}
	expiresAt := i.clock().UTC().Add(i.ttl)
	sig := i.sign(artifact, expiresAt)

	ref := fmt.Sprintf("%s/%s?exp=%d&sig=%s",
		i.baseURL, url.PathEscape(artifact), expiresAt.Unix(), sig)
	return domain.Credential{Ref: ref, Artifact: artifact, ExpiresAt: expiresAt}, nil
}

// Fresh reports whether the credential still clears the refresh threshold.
func (i *HMACIssuer) Fresh(cred domain.Credential) bool {
	if cred.Ref == "" || cred.ExpiresAt.IsZero() {
		return false
	}
	return cred.ExpiresAt.Sub(i.clock().UTC()) >= i.threshold
}

// Verify checks a signed reference's signature and expiry. The artifact
// store side of the contract; exercised here by tests and the worker's
// config fetch.
func (i *HMACIssuer) Verify(artifact string, expUnix int64, sig string) bool {
	if i.clock().UTC().Unix() >= expUnix {
		return false
	}
	expected := i.sign(artifact, time.Unix(expUnix, 0).UTC())
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (i *HMACIssuer) sign(artifact string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(artifact))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Compile-time interface assertion
var _ CredentialIssuer = (*HMACIssuer)(nil)
