package keaclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jbweber/homelab/keaport/internal/config"
	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_ArrayResponse(t *testing.T) {
	var got keamodels.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`[{"result":0,"text":"ok","arguments":{"id":7}}]`))
	}))
	defer srv.Close()

	kc := NewKeaClient(srv.URL, "")
	resp, err := kc.Send(context.Background(), keamodels.Request{
		Command: "subnet6-add",
		Service: []string{"dhcp6"},
		Args:    map[string]any{"subnet6": []any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, keamodels.ResultSuccess, resp.Result)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 7, resp.Arguments["id"])

	assert.Equal(t, "subnet6-add", got.Command)
	assert.Equal(t, []string{"dhcp6"}, got.Service)
}

func TestSend_SingleObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":1,"text":"server is likely to be offline"}`))
	}))
	defer srv.Close()

	resp, err := NewKeaClient(srv.URL, "").Send(context.Background(), keamodels.Request{Command: "version-get"})
	require.NoError(t, err)
	assert.Equal(t, keamodels.ResultError, resp.Result)
	assert.Equal(t, "server is likely to be offline", resp.Text)
}

func TestSend_EmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := NewKeaClient(srv.URL, "").Send(context.Background(), keamodels.Request{Command: "version-get"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestSend_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewKeaClient(srv.URL, "").Send(context.Background(), keamodels.Request{Command: "version-get"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSend_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "kea" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"result":0,"text":"ok"}]`))
	}))
	defer srv.Close()

	kc := NewKeaClientWithOptions(OptionHost(srv.URL), OptionBasicAuth("kea", "secret"))
	resp, err := kc.Send(context.Background(), keamodels.Request{Command: "version-get"})
	require.NoError(t, err)
	assert.Equal(t, keamodels.ResultSuccess, resp.Result)
}

func TestSend_EmptyBaseURL(t *testing.T) {
	_, err := NewKeaClient("", "").Send(context.Background(), keamodels.Request{Command: "version-get"})
	assert.Error(t, err)
}

func TestBuildBaseURL(t *testing.T) {
	tests := []struct {
		name string
		kc   *keaClient
		want string
	}{
		{"plain host with port", &keaClient{BaseUrl: "kea.example", Port: "8000"}, "http://kea.example:8000"},
		{"scheme kept", &keaClient{BaseUrl: "https://kea.example/", Port: "8443"}, "https://kea.example:8443"},
		{"explicit port wins", &keaClient{BaseUrl: "http://kea.example:9000", Port: "8000"}, "http://kea.example:9000"},
		{"tls implies https", &keaClient{BaseUrl: "kea.example", CACertPath: "/tmp/ca.pem"}, "https://kea.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.kc.buildBaseURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionServerString(t *testing.T) {
	kc := NewKeaClientWithOptions(OptionServerString("kea.example:8443"))
	assert.Equal(t, "kea.example", kc.BaseUrl)
	assert.Equal(t, "8443", kc.Port)

	kc = NewKeaClientWithOptions(OptionServerString("kea.example"))
	assert.Equal(t, "kea.example", kc.BaseUrl)
	assert.Equal(t, DefaultPort, kc.Port)
}

func TestNewKeaClientFromConfig(t *testing.T) {
	kc := NewKeaClientFromConfig(config.KeaConfig{
		URL:      "kea.example",
		Port:     "8000",
		Timeout:  3 * time.Second,
		Username: "admin",
		Password: "pw",
		Insecure: true,
	})
	assert.Equal(t, "kea.example", kc.BaseUrl)
	assert.Equal(t, 3*time.Second, kc.HttpClient.Timeout)
	assert.Equal(t, "admin", kc.Username)

	tr, ok := kc.HttpClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}
