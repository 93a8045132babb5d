// Package directory resolves conversation participants to display profiles.
//
// Participants are first shown with a role-based Fallback label. Resolver.Lookup
// serves cached profiles immediately and fetches misses from the User Directory in
// the background, posting the result back onto the session loop. A failed lookup
// leaves the fallback label in place rather than failing the event being processed.
package directory
