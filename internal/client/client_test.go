package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPanel(t *testing.T, h http.HandlerFunc) *PanelClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewPanelClient(srv.URL, "key", time.Second, zap.NewNop())
}

func TestPanelGetTemplate(t *testing.T) {
	c := newPanel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/application/eggs/5", r.URL.Path)
		assert.Equal(t, "variables", r.URL.Query().Get("include"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"attributes":{"id":5,"name":"Paper","docker_image":"img","startup":"java",
			"relationships":{"variables":{"data":[
				{"attributes":{"env_variable":"SERVER_JARFILE","default_value":"server.jar","rules":"required|string|max:20"}},
				{"attributes":{"env_variable":"EULA","default_value":"","rules":"required|boolean"}}
			]}}}}`))
	})

	tpl, err := c.GetTemplate(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, 5, tpl.ID)
	assert.Equal(t, "img", tpl.DockerImage)
	require.Len(t, tpl.Variables, 2)
	assert.Equal(t, "EULA", tpl.Variables[1].EnvVariable)
	assert.Equal(t, "required|boolean", tpl.Variables[1].Rules)
}

func TestPanelResolveOrCreateAccount(t *testing.T) {
	var created int32
	c := newPanel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/api/application/users":
			atomic.AddInt32(&created, 1)
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user-1", body["external_id"])
			assert.Equal(t, "a@b.c", body["email"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"attributes":{"id":42,"external_id":"user-1"}}`))
		}
	})

	id, err := c.ResolveOrCreateAccount(context.Background(), "user-1", "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
}

func TestPanelListFreeAllocations(t *testing.T) {
	c := newPanel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/application/nodes/n1/allocations", r.URL.Path)
		w.Write([]byte(`{"data":[
			{"attributes":{"id":1,"ip":"10.0.0.1","port":25565,"assigned":true}},
			{"attributes":{"id":2,"ip":"10.0.0.1","port":25566,"assigned":false}}
		]}`))
	})

	free, err := c.ListFreeAllocations(context.Background(), "n1")
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, 2, free[0].ID)
}

func TestPanelErrors(t *testing.T) {
	c := newPanel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/application/servers/404":
			w.WriteHeader(http.StatusNotFound)
		case "/api/application/servers":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"errors":[{"detail":"allocation already assigned"}]}`))
		default:
			time.Sleep(200 * time.Millisecond)
		}
	})

	_, err := c.GetServer(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.CreateServer(context.Background(), &CreateServerRequest{ExternalID: "o1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "allocation")

	c.callTimeout = 20 * time.Millisecond
	_, err = c.GetServer(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanelFindServerByExternalID(t *testing.T) {
	c := newPanel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/application/servers/external/order-1", r.URL.Path)
		w.Write([]byte(`{"attributes":{"id":9,"identifier":"abcd1234","external_id":"order-1"}}`))
	})

	srv, err := c.FindServerByExternalID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 9, srv.ID)
	assert.Equal(t, "abcd1234", srv.Identifier)
}

func TestBillingGetSubscription(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			atomic.AddInt32(&tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "cid", user)
			assert.Equal(t, "secret", pass)
			w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
		case "/v1/billing/subscriptions/I-1":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"I-1","status":"ACTIVE","subscriber":{"payer_id":"P-9"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewBillingClient(srv.URL, "cid", "secret")
	sub, err := c.GetSubscription(context.Background(), "I-1")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, sub.Status)
	assert.Equal(t, "P-9", sub.PayerID)

	_, err = c.GetSubscription(context.Background(), "I-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token is cached")
}

func TestAlertClientSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, NewAlertClient(srv.URL).Send(context.Background(), "Title", "Body"))
	assert.Equal(t, "**Title**\nBody", got["content"])

	require.NoError(t, NewAlertClient("").Send(context.Background(), "t", "b"))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, NewAlertClient(failing.URL).Send(context.Background(), "t", "b"))
}
