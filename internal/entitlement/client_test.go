package entitlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", zerolog.Nop()), server
}

func TestGetLinkedAccount(t *testing.T) {
	t.Run("linked", func(t *testing.T) {
		client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/users/user-1/linked-account", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]string{"address": "WalletA"})
		})

		address, err := client.GetLinkedAccount(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "WalletA", address)
	})

	t.Run("not linked returns empty without error", func(t *testing.T) {
		client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		address, err := client.GetLinkedAccount(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Empty(t, address)
	})
}

func TestCheckSubscription(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/WalletA", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]bool{"active": true})
	})

	active, err := client.CheckSubscription(context.Background(), "WalletA")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestGetCreditBalance(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"balance": 3.5})
	})

	balance, err := client.GetCreditBalance(context.Background(), "WalletA")
	require.NoError(t, err)
	assert.Equal(t, 3.5, balance)
}

func TestGetAutomationSettingsDefaults(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	settings, err := client.GetAutomationSettings(context.Background(), "user-1")
	require.NoError(t, err)

	// Absent settings mean automation on, not off
	assert.True(t, settings.AutoRebalance)
	assert.True(t, settings.NotifyOnError)
}

func TestUpdateAutomationSettings(t *testing.T) {
	var received AutomationSettings
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/users/user-1/settings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	})

	err := client.UpdateAutomationSettings(context.Background(), "user-1", AutomationSettings{
		AutoRebalance: false,
		NotifyOnError: true,
	})
	require.NoError(t, err)
	assert.False(t, received.AutoRebalance)
	assert.True(t, received.NotifyOnError)
}

func TestUseCredits(t *testing.T) {
	var received map[string]interface{}
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/credits/WalletA/use", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	})

	err := client.UseCredits(context.Background(), "WalletA", 1, "ref-123", "reposition")
	require.NoError(t, err)

	assert.Equal(t, float64(1), received["count"])
	assert.Equal(t, "ref-123", received["ref_id"])
}

func TestRecordExecution(t *testing.T) {
	var received ExecutionRecord
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/executions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	})

	err := client.RecordExecution(context.Background(), ExecutionRecord{
		Address:     "WalletA",
		PositionRef: "pos-1",
		Success:     true,
		Mode:        "credits",
	})
	require.NoError(t, err)
	assert.Equal(t, "WalletA", received.Address)
	assert.True(t, received.Success)
}

func TestServerErrorsPropagate(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetCreditBalance(context.Background(), "WalletA")
	assert.Error(t, err)
}
