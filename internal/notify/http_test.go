package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risktrajectory/internal/config"
)

func TestHTTPDispatcherPostsJSON(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(config.NotifyConfig{URL: srv.URL, Timeout: time.Second}, nil)
	assert.True(t, d.Configured())
	status := d.Notify(context.Background(), Notification{PatientID: "P1", Level: "red"})
	assert.Equal(t, StatusSent, status)
	assert.Equal(t, "P1", got.PatientID)
	assert.Equal(t, DefaultTitle, got.Title)
	assert.NotNil(t, got.Payload)
}

func TestHTTPDispatcherFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(config.NotifyConfig{URL: srv.URL, Timeout: time.Second}, nil)
	assert.Equal(t, StatusFailed, d.Notify(context.Background(), Notification{PatientID: "P1"}))

	srv.Close()
	assert.Equal(t, StatusFailed, d.Notify(context.Background(), Notification{PatientID: "P1"}))
}

func TestHTTPDispatcherWithoutURLSkips(t *testing.T) {
	d := NewHTTPDispatcher(config.NotifyConfig{}, nil)
	assert.False(t, d.Configured())
	assert.Equal(t, StatusSkipped, d.Notify(context.Background(), Notification{}))
	assert.False(t, Nop{}.Configured())
}
