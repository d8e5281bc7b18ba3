package diff

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func principalSet(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func TestCompute_AlwaysUpsertUpsertsEveryone(t *testing.T) {
	users := []KeycloakUser{{Username: "alice"}, {Username: "bob"}, {Username: "carol"}}
	kafka := principalSet()
	policy := NewExclusionPolicy([]string{"admin"}, nil)

	plan := Compute(users, kafka, policy, true)

	assert.Len(t, plan.Upserts, 3)
	assert.Empty(t, plan.Deletes)
}

func TestCompute_DeletesRemovedPrincipal(t *testing.T) {
	users := []KeycloakUser{{Username: "alice"}, {Username: "carol"}}
	kafka := principalSet("alice", "bob", "carol")
	policy := NewExclusionPolicy(nil, nil)

	plan := Compute(users, kafka, policy, false)

	assert.Empty(t, plan.Upserts)
	assert.ElementsMatch(t, []string{"bob"}, plan.Deletes)
}

func TestCompute_ExclusionsCoverAllKafkaPrincipals(t *testing.T) {
	kafka := principalSet("service-account-a", "service-account-b")
	policy := NewExclusionPolicy(nil, []string{"service-account-"})

	plan := Compute(nil, kafka, policy, false)

	assert.Empty(t, plan.Deletes, "fully-excluded Kafka set must produce no deletes")
}

func TestCompute_ExactExclusionBeforePrefix(t *testing.T) {
	kafka := principalSet("admin-readonly")
	policy := NewExclusionPolicy([]string{"admin-readonly"}, []string{"svc-"})

	plan := Compute(nil, kafka, policy, false)

	assert.Empty(t, plan.Deletes)
}

func TestCompute_PrefixMatchIsCaseInsensitive(t *testing.T) {
	kafka := principalSet("Service-Account-foo")
	policy := NewExclusionPolicy(nil, []string{"service-account-"})

	plan := Compute(nil, kafka, policy, false)

	assert.Empty(t, plan.Deletes)
}

func TestCompute_NoChangeIsIdempotent(t *testing.T) {
	users := []KeycloakUser{{Username: "alice"}, {Username: "bob"}}
	kafka := principalSet("alice", "bob")
	policy := NewExclusionPolicy(nil, nil)

	plan := Compute(users, kafka, policy, false)

	assert.Empty(t, plan.Upserts)
	assert.Empty(t, plan.Deletes)
}

func TestCompute_EmptyKeycloakAllExcludedKafka(t *testing.T) {
	kafka := principalSet("admin")
	policy := NewExclusionPolicy([]string{"admin"}, nil)

	plan := Compute(nil, kafka, policy, true)

	assert.Empty(t, plan.Upserts)
	assert.Empty(t, plan.Deletes)
}

func TestCompute_HandlesTenThousandUsersQuickly(t *testing.T) {
	const n = 10000
	users := make([]KeycloakUser, 0, n)
	kafka := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("user-%d", i)
		users = append(users, KeycloakUser{Username: name})
		if i%2 == 0 {
			kafka[name] = struct{}{}
		}
	}
	policy := NewExclusionPolicy(nil, nil)

	start := time.Now()
	plan := Compute(users, kafka, policy, false)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Len(t, plan.Upserts, n/2)
	assert.Empty(t, plan.Deletes)
}
