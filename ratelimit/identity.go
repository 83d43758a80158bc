package ratelimit

import "fmt"

// IdentityKind classifies how a caller was identified.
type IdentityKind string

const (
	IdentityAuthenticated IdentityKind = "authenticated" // verified session/token principal
	IdentityCredentialed  IdentityKind = "credentialed"  // presented API key
	IdentityAnonymous     IdentityKind = "anonymous"     // network address only
)

// Identity is the resolved caller identity used for per-identity limiting.
type Identity struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

// Key returns the limiter key for this identity. Kinds are part of the key
// so an API key named like a principal can never alias its counters.
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.ID)
}

// RequestContext carries the caller attributes identity resolution sees.
// Principal must only be set from a verified session or token.
type RequestContext struct {
	Principal  string `json:"principal,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// ResolveIdentity picks the strongest available identity: authenticated
// principal over presented credential over network address. An
// authenticated identity is never downgraded to address-based tracking.
func ResolveIdentity(rc RequestContext) Identity {
	switch {
	case rc.Principal != "":
		return Identity{Kind: IdentityAuthenticated, ID: rc.Principal}
	case rc.APIKey != "":
		return Identity{Kind: IdentityCredentialed, ID: rc.APIKey}
	default:
		return Identity{Kind: IdentityAnonymous, ID: rc.RemoteAddr}
	}
}
