package auth

import "crypto/subtle"

// SharedSecret guards the sync and API surfaces. An empty secret disables
// enforcement: the service runs unprotected for backward compatibility with
// deployments that never configured one, and the caller is expected to log a
// warning at startup.
type SharedSecret struct {
	secret []byte
}

// NewSharedSecret wraps the configured secret.
func NewSharedSecret(secret string) SharedSecret {
	return SharedSecret{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (s SharedSecret) Enabled() bool {
	return len(s.secret) > 0
}

// Verify checks a presented secret in constant time. An unconfigured secret
// accepts everything.
func (s SharedSecret) Verify(presented string) bool {
	if !s.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare(s.secret, []byte(presented)) == 1
}
