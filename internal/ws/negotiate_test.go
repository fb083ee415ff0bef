package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleNegotiate_AuthDisabled(t *testing.T) {
	h := NewNegotiateHandler(NewTokenAuth("", 0, nil), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "http://sync.example.org/negotiate", nil)
	rec := httptest.NewRecorder()
	h.HandleNegotiate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp NegotiateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ws://sync.example.org/ws", resp.URL)
	assert.Empty(t, resp.AccessToken)
	assert.Nil(t, resp.ExpiresAt)
	assert.Equal(t, []string{subprotocolJSON, subprotocolProtobuf}, resp.Subprotocols)
}

func TestHandleNegotiate_IssuesToken(t *testing.T) {
	auth := NewTokenAuth("s3cret", time.Hour, []string{"field-team-key"})
	h := NewNegotiateHandler(auth, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "http://sync.example.org/negotiate", nil)
	req.Header.Set("Authorization", "Basic field-team-key")
	rec := httptest.NewRecorder()
	h.HandleNegotiate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp NegotiateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotNil(t, resp.ExpiresAt)

	u, err := url.Parse(resp.URL)
	require.NoError(t, err)
	assert.Equal(t, "/ws", u.Path)
	assert.Equal(t, resp.AccessToken, u.Query().Get("access_token"))

	_, err = auth.Verify(resp.AccessToken)
	assert.NoError(t, err)
}

func TestHandleNegotiate_Unauthorized(t *testing.T) {
	h := NewNegotiateHandler(NewTokenAuth("s3cret", time.Hour, []string{"field-team-key"}), zap.NewNop())

	for name, header := range map[string]string{
		"missing":     "",
		"unknown key": "Basic wrong-key",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/negotiate", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.HandleNegotiate(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}
