package keycloak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, usersByPage map[int][]User) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})

	mux.HandleFunc("/admin/realms/test/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]User{{ID: "u1", Username: r.URL.Query().Get("username"), Enabled: true}})
			return
		}
		first, _ := strconv.Atoi(r.URL.Query().Get("first"))
		max, _ := strconv.Atoi(r.URL.Query().Get("max"))
		page := first / max
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(usersByPage[page])
	})

	return httptest.NewServer(mux)
}

func TestFetchAllUsers_FiltersDisabledAndServiceAccounts(t *testing.T) {
	page0 := make([]User, 0, 3)
	page0 = append(page0,
		User{ID: "1", Username: "alice", Enabled: true},
		User{ID: "2", Username: "disabled-bob", Enabled: false},
		User{ID: "3", Username: "service-account-sync", Enabled: true},
	)
	srv := newTestServer(t, map[int][]User{0: page0, 1: {}})
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL, Realm: "test", ClientID: "x", ClientSecret: "y",
		PageSize: 3, ServiceAccountPrefix: []string{"service-account-"},
	})

	users, err := c.FetchAllUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}

func TestFetchAllUsers_StopsOnShortPage(t *testing.T) {
	full := make([]User, 3)
	for i := range full {
		full[i] = User{ID: strconv.Itoa(i), Username: "user-" + strconv.Itoa(i), Enabled: true}
	}
	short := []User{{ID: "9", Username: "last-user", Enabled: true}}

	srv := newTestServer(t, map[int][]User{0: full, 1: short})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Realm: "test", ClientID: "x", ClientSecret: "y", PageSize: 3})

	users, err := c.FetchAllUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 4)
}

func TestFindUserByUsername_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t", "expires_in": 300})
	})
	mux.HandleFunc("/admin/realms/test/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]User{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Realm: "test", ClientID: "x", ClientSecret: "y"})

	_, err := c.FindUserByUsername(context.Background(), "ghost")
	require.Error(t, err)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNotFound, ce.Class)
}

func TestClassify_ServerErrorIsTransient(t *testing.T) {
	err := classify(http.StatusServiceUnavailable, nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassTransient, ce.Class)
}

func TestClassify_ClientErrorIsTerminal(t *testing.T) {
	err := classify(http.StatusBadRequest, nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassProtocol, ce.Class)
}
