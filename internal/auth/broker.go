// ABOUTME: TokenBroker runs the multi-hop credential exchange before the socket authenticates
// ABOUTME: Primary chain failures are fatal; the elevated chain is best-effort

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/ums-session/internal/metrics"
	"github.com/2389/ums-session/internal/store"
)

// BrokerConfig names the connectors used by the two exchange chains.
type BrokerConfig struct {
	PrimaryConnector  string
	ElevatedConnector string
}

// Broker resolves credentials for the messaging socket.
type Broker struct {
	resolver DomainResolver
	tokens   TokenService
	kv       store.KeyValue
	cfg      BrokerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	connectors map[string][]Connector // accountID -> fetched connector list
}

// NewBroker creates a Broker. Pass nil logger for default.
func NewBroker(resolver DomainResolver, tokens TokenService, kv store.KeyValue, cfg BrokerConfig, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		resolver:   resolver,
		tokens:     tokens,
		kv:         kv,
		cfg:        cfg,
		logger:     logger.With("component", "token-broker"),
		now:        time.Now,
		connectors: make(map[string][]Connector),
	}
}

// Reset drops the cached unauthenticated token and connector lists so the next
// Credential call re-runs every hop.
func (b *Broker) Reset(ctx context.Context) error {
	b.mu.Lock()
	b.connectors = make(map[string][]Connector)
	b.mu.Unlock()

	if err := b.kv.Delete(ctx, store.KeyUnauthJWT); err != nil {
		return fmt.Errorf("dropping cached token: %w", err)
	}
	return nil
}

// Credential runs the exchange chain for an account.
//
// Order: resolve domains, fetch connectors, then in parallel (a) unauthenticated
// token -> authorize -> primary connector exchange and (b) external identity token ->
// elevated connector exchange. When (b) succeeds for a consumer already stepped up,
// its credential is returned regardless of (a).
func (b *Broker) Credential(ctx context.Context, accountID string) (*Credential, error) {
	start := time.Now()
	defer func() {
		metrics.CredentialExchangeDuration.Observe(time.Since(start).Seconds())
	}()

	domains, err := b.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, authErr("domain resolution", err)
	}

	connectors, err := b.connectorList(ctx, domains, accountID)
	if err != nil {
		return nil, authErr("connector listing", err)
	}

	var (
		primary            *Credential
		elevated           string
		elevatedConsumerID string
	)

	var g errgroup.Group
	g.Go(func() error {
		cred, err := b.primaryChain(ctx, domains, accountID, connectors)
		if err != nil {
			return err
		}
		primary = cred
		return nil
	})
	g.Go(func() error {
		elevated, elevatedConsumerID = b.elevatedChain(ctx, domains, accountID, connectors)
		return nil
	})
	primaryErr := g.Wait()

	if elevated != "" && b.steppedUp(ctx, elevatedConsumerID) {
		b.logger.Debug("using stepped-up credential", "consumer_id", elevatedConsumerID)
		return &Credential{
			AccountID:  accountID,
			Token:      elevated,
			Tier:       TierAuthenticated,
			ConsumerID: elevatedConsumerID,
			ExpiresAt:  expiryOf(elevated),
			Domains:    domains,
		}, nil
	}

	if primaryErr != nil {
		return nil, primaryErr
	}

	primary.Elevated = elevated
	primary.ElevatedConsumerID = elevatedConsumerID
	return primary, nil
}

func (b *Broker) primaryChain(ctx context.Context, d Domains, accountID string, connectors []Connector) (*Credential, error) {
	unauth, err := b.unauthenticatedToken(ctx, d, accountID)
	if err != nil {
		return nil, authErr("unauthenticated token", err)
	}

	authorized, err := b.tokens.Authorize(ctx, d, accountID, unauth)
	if err != nil {
		return nil, authErr("authorize", err)
	}

	connector, err := findConnector(connectors, b.cfg.PrimaryConnector)
	if err != nil {
		return nil, authErr("connector lookup", err)
	}

	internal, err := b.tokens.Exchange(ctx, d, accountID, connector, authorized)
	if err != nil {
		return nil, authErr("connector exchange", err)
	}

	var consumerID string
	if claims, err := ParseClaims(unauth); err == nil {
		consumerID = claims.Subject
	}

	return &Credential{
		AccountID:  accountID,
		Token:      internal,
		Tier:       TierUnauthenticated,
		ConsumerID: consumerID,
		ExpiresAt:  expiryOf(internal),
		Domains:    d,
	}, nil
}

// elevatedChain returns ("", "") whenever the chain cannot complete.
func (b *Broker) elevatedChain(ctx context.Context, d Domains, accountID string, connectors []Connector) (string, string) {
	if b.cfg.ElevatedConnector == "" {
		return "", ""
	}
	external, err := b.kv.Get(ctx, store.KeyExternalJWT)
	if err != nil || external == "" {
		return "", ""
	}

	connector, err := findConnector(connectors, b.cfg.ElevatedConnector)
	if err != nil {
		b.logger.Warn("elevated connector unavailable", "error", err)
		return "", ""
	}

	token, err := b.tokens.Exchange(ctx, d, accountID, connector, external)
	if err != nil {
		b.logger.Warn("elevated exchange failed", "connector", connector.Name, "error", err)
		return "", ""
	}

	claims, err := ParseClaims(token)
	if err != nil {
		b.logger.Warn("elevated token has no subject", "error", err)
		return token, ""
	}
	return token, claims.Subject
}

// unauthenticatedToken returns the cached anonymous token, fetching a new one when
// it is absent or past its exp claim.
func (b *Broker) unauthenticatedToken(ctx context.Context, d Domains, accountID string) (string, error) {
	cached, err := b.kv.Get(ctx, store.KeyUnauthJWT)
	if err == nil && cached != "" {
		claims, parseErr := ParseClaims(cached)
		if parseErr != nil || !claims.Expired(b.now()) {
			return cached, nil
		}
		b.logger.Debug("cached unauthenticated token expired", "expired_at", claims.ExpiresAt)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("reading cached token: %w", err)
	}

	token, err := b.tokens.UnauthenticatedToken(ctx, d, accountID)
	if err != nil {
		return "", err
	}
	if err := b.kv.Set(ctx, store.KeyUnauthJWT, token); err != nil {
		b.logger.Warn("failed to cache unauthenticated token", "error", err)
	}
	return token, nil
}

func (b *Broker) connectorList(ctx context.Context, d Domains, accountID string) ([]Connector, error) {
	b.mu.Lock()
	cached, ok := b.connectors[accountID]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	list, err := b.tokens.ListConnectors(ctx, d, accountID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.connectors[accountID] = list
	b.mu.Unlock()
	return list, nil
}

func (b *Broker) steppedUp(ctx context.Context, consumerID string) bool {
	if consumerID == "" {
		return false
	}
	_, err := b.kv.Get(ctx, store.SteppedUpKey(consumerID))
	return err == nil
}

func findConnector(connectors []Connector, name string) (Connector, error) {
	for _, c := range connectors {
		if c.Name == name {
			return c, nil
		}
	}
	return Connector{}, fmt.Errorf("connector %q not found", name)
}

func expiryOf(token string) time.Time {
	claims, err := ParseClaims(token)
	if err != nil {
		return time.Time{}
	}
	return claims.ExpiresAt
}
