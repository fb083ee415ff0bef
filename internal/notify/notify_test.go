package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/config"
)

func TestClient_SendSourceDown(t *testing.T) {
	var gotTitle, gotPriority, gotTags, gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crosswalks", r.URL.Path)
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer server.Close()

	client := NewClient(config.NotifyConfig{
		Enabled:  true,
		Server:   server.URL + "/",
		Topic:    "crosswalks",
		Priority: "default",
		Tags:     "world_map",
		Token:    "tk",
	}, zap.NewNop())

	err := client.SendSourceDown(context.Background(), Outage{
		Source:    "sheets:gis_dataset",
		Failures:  3,
		Since:     time.Date(2017, 9, 15, 12, 0, 0, 0, time.UTC),
		LastError: "source unavailable: status 503",
	})
	require.NoError(t, err)

	assert.Equal(t, "Source unavailable: sheets:gis_dataset", gotTitle)
	assert.Equal(t, "high", gotPriority)
	assert.Equal(t, "world_map,x", gotTags)
	assert.Equal(t, "Bearer tk", gotAuth)
	assert.Contains(t, gotBody, "Consecutive failures: 3")
	assert.Contains(t, gotBody, "status 503")
}

func TestClient_SendSourceRecovered(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer server.Close()

	since := time.Date(2017, 9, 15, 12, 0, 0, 0, time.UTC)
	client := NewClient(config.NotifyConfig{Enabled: true, Server: server.URL, Topic: "t", Priority: "low"}, zap.NewNop())
	client.now = func() time.Time { return since.Add(90 * time.Second) }

	require.NoError(t, client.SendSourceRecovered(context.Background(), Outage{
		Source: "file", Failures: 4, Since: since, RecoveredRows: 12,
	}))

	assert.Contains(t, gotBody, "Downtime: 1m30s")
	assert.Contains(t, gotBody, "Rows: 12")
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(config.NotifyConfig{Enabled: true, Server: server.URL, Topic: "t"}, zap.NewNop())
	err := client.SendSourceDown(context.Background(), Outage{Source: "file"})
	assert.Error(t, err)
}

func TestNew_DisabledIsNoop(t *testing.T) {
	n := New(config.NotifyConfig{Enabled: false}, zap.NewNop())

	_, ok := n.(*NoopNotifier)
	assert.True(t, ok)
	assert.NoError(t, n.SendSourceDown(context.Background(), Outage{}))
	assert.NoError(t, n.SendSourceRecovered(context.Background(), Outage{}))
}
