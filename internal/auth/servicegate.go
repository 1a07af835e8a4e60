package auth

import "crypto/hmac"

// ServiceGate authenticates trusted internal callers by a shared secret.
// It is distinct from end-user identity: everything behind it is
// machine-to-machine platform plumbing, never a browser.
type ServiceGate struct {
	secret []byte
}

func NewServiceGate(secret string) *ServiceGate {
	return &ServiceGate{secret: []byte(secret)}
}

// Verify compares the presented secret against the configured one in
// constant time. An unconfigured gate denies every caller, including one
// presenting an empty secret: misconfiguration must never fail open.
func (g *ServiceGate) Verify(presented string) bool {
	if len(g.secret) == 0 {
		return false
	}
	return hmac.Equal([]byte(presented), g.secret)
}
