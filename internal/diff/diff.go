// Package diff computes the upsert/delete plan between a Keycloak user set
// and the Kafka SCRAM principal set. It performs no I/O.
package diff

import "strings"

// KeycloakUser is the subset of a Keycloak user record the diff engine and
// the downstream orchestrator need.
type KeycloakUser struct {
	ID        string
	Username  string
	Enabled   bool
	Email     string
	CreatedAt int64 // unix seconds
}

// ExclusionPolicy filters Kafka principals out of consideration for
// deletion: an exact-match set, checked first, then a set of lowercase
// prefixes.
type ExclusionPolicy struct {
	Exact    map[string]struct{}
	Prefixes []string
}

// NewExclusionPolicy builds a policy from a flat list of exact names and
// prefixes (both case-sensitive for exact match, case-insensitive for
// prefix match per §4.6).
func NewExclusionPolicy(exact, prefixes []string) ExclusionPolicy {
	p := ExclusionPolicy{Exact: make(map[string]struct{}, len(exact))}
	for _, e := range exact {
		p.Exact[e] = struct{}{}
	}
	for _, pre := range prefixes {
		p.Prefixes = append(p.Prefixes, strings.ToLower(pre))
	}
	return p
}

// Excludes reports whether principal is excluded: exact match first, then
// lowercase-compared prefix match.
func (p ExclusionPolicy) Excludes(principal string) bool {
	if _, ok := p.Exact[principal]; ok {
		return true
	}
	lower := strings.ToLower(principal)
	for _, pre := range p.Prefixes {
		if strings.HasPrefix(lower, pre) {
			return true
		}
	}
	return false
}

// Plan is the immutable output of Compute: the set of Keycloak users to
// upsert and the set of bare Kafka principal names to delete.
type Plan struct {
	Upserts []KeycloakUser
	Deletes []string
	DryRun  bool
}

// Compute implements §4.6's algorithm:
//
//  1. Filter kafkaPrincipals by the exclusion policy.
//  2. Build the set of Keycloak user names.
//  3. upserts = keycloakUsers if alwaysUpsert, else those not already present
//     in the (unfiltered) Kafka principal set.
//  4. deletes = filtered Kafka principals absent from the Keycloak user set.
//
// Runs in O(n+m) via hash-set membership checks, so it comfortably handles
// 10^4+ users within the §4.6/§8 one-second budget.
func Compute(keycloakUsers []KeycloakUser, kafkaPrincipals map[string]struct{}, policy ExclusionPolicy, alwaysUpsert bool) Plan {
	kcNames := make(map[string]struct{}, len(keycloakUsers))
	for _, u := range keycloakUsers {
		kcNames[u.Username] = struct{}{}
	}

	var upserts []KeycloakUser
	if alwaysUpsert {
		upserts = append(upserts, keycloakUsers...)
	} else {
		for _, u := range keycloakUsers {
			if _, exists := kafkaPrincipals[u.Username]; !exists {
				upserts = append(upserts, u)
			}
		}
	}

	var deletes []string
	for principal := range kafkaPrincipals {
		if policy.Excludes(principal) {
			continue
		}
		if _, inKeycloak := kcNames[principal]; !inKeycloak {
			deletes = append(deletes, principal)
		}
	}

	return Plan{Upserts: upserts, Deletes: deletes}
}
