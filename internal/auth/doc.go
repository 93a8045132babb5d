// Package auth obtains the credential that authenticates the messaging socket.
//
// # Exchange Chain
//
// A Broker resolves a Credential in hops, each backed by an external service:
//
//  1. DomainResolver maps service names (idp, acCdsDomain, asyncMessagingEnt, ...)
//     to base URIs for the account.
//  2. TokenService.ListConnectors fetches the account's connectors. The list is
//     cached per account until Reset.
//  3. Two chains run concurrently:
//     - primary: anonymous token (cached under LP_UNAUTH_JWT until its exp claim
//     passes), Authorize, then Exchange through the primary connector.
//     - elevated: when LP_EXT_JWT is present, Exchange it through the elevated
//     connector. Failures here are logged and never fail the credential.
//
// When the elevated exchange succeeds for a consumer whose conversation was already
// stepped up (STEPPED_UP_<consumerId> is stored), that credential wins. Otherwise the
// primary credential is returned with the elevated token attached for a later step-up.
//
// # Errors
//
// Every failure of the primary chain is an *AuthError naming the hop. Use
// errors.Is(err, ErrAuth) to match any of them.
//
// # Claims
//
// ParseClaims reads sub and exp from a JWT without verifying its signature. The
// client never holds the signing key; the backend verifies on use.
package auth
