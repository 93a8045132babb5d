// ABOUTME: Credential and collaborator contracts consumed by the TokenBroker
// ABOUTME: Domain resolution, token issuance and connector exchange are external services

package auth

import (
	"context"
	"time"
)

// Service names in a domain map.
const (
	ServiceMessaging   = "asyncMessagingEnt"
	ServiceIDP         = "idp"
	ServiceConnectors  = "acCdsDomain"
	ServiceSecureForms = "secureForms"
	ServiceUpload      = "swift"
	ServiceDirectory   = "accountConfigReadOnly"
)

// Domains maps a service name to its base URI for one account.
type Domains map[string]string

// Get returns the base URI for service, or "" when unknown.
func (d Domains) Get(service string) string {
	return d[service]
}

// Tier is the trust level a credential was issued for.
type Tier int

const (
	TierUnauthenticated Tier = iota // anonymous consumer
	TierAuthenticated               // consumer identified by the brand
	TierBrand                       // agent or brand issued identity
)

func (t Tier) String() string {
	switch t {
	case TierUnauthenticated:
		return "unauthenticated"
	case TierAuthenticated:
		return "authenticated"
	case TierBrand:
		return "brand"
	default:
		return "unknown"
	}
}

// Credential authenticates the messaging socket.
type Credential struct {
	AccountID  string
	Token      string
	Tier       Tier
	ConsumerID string
	ExpiresAt  time.Time
	Domains    Domains

	// Elevated is the authenticated-consumer token obtained through the elevated
	// connector, if any. It is presented when stepping up an anonymous conversation.
	Elevated           string
	ElevatedConsumerID string
}

// CanStepUp reports whether an elevated token is available for a step-up.
func (c *Credential) CanStepUp() bool {
	return c != nil && c.Tier == TierUnauthenticated && c.Elevated != ""
}

// Connector is a named integration endpoint that exchanges one token for another.
type Connector struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// DomainResolver returns the per-service base URIs for an account.
type DomainResolver interface {
	Resolve(ctx context.Context, accountID string) (Domains, error)
}

// TokenService issues and exchanges tokens.
type TokenService interface {
	UnauthenticatedToken(ctx context.Context, d Domains, accountID string) (string, error)
	Authorize(ctx context.Context, d Domains, accountID, token string) (string, error)
	ListConnectors(ctx context.Context, d Domains, accountID string) ([]Connector, error)
	Exchange(ctx context.Context, d Domains, accountID string, c Connector, token string) (string, error)
}
