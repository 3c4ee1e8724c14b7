package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/attendance/internal/events"
)

func newTestRegistry(url string) *SchemaRegistryClient {
	return NewSchemaRegistryClient(RegistryConfig{BaseURL: url + "/", Timeout: time.Second}, zerolog.Nop())
}

func TestSchemaRegistryRegistersMissingTopicSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/attendance_points-value/versions/latest":
			http.NotFound(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/attendance_points-value/versions":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			registered = body["schema"]
			require.Equal(t, "JSON", body["schemaType"])
			_, _ = w.Write([]byte(`{"id":12}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	id, err := newTestRegistry(srv.URL).EnsureTopicSchema(context.Background(), events.TopicPoints)
	require.NoError(t, err)
	require.Equal(t, 12, id)
	require.Equal(t, pointsAwardedSchema, registered)
}

func TestSchemaRegistryReusesLatestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"id":3,"version":1}`))
	}))
	defer srv.Close()

	id, err := newTestRegistry(srv.URL).EnsureTopicSchema(context.Background(), events.TopicPresence)
	require.NoError(t, err)
	require.Equal(t, 3, id)
}

func TestSchemaRegistryDoesNotRegisterWhenLookupFails(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestRegistry(srv.URL).EnsureTopicSchema(context.Background(), events.TopicSchedule)
	require.ErrorContains(t, err, "status 500")
	require.Zero(t, posts.Load())
}

func TestSchemaRegistrySurfacesRegisterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":409}`))
	}))
	defer srv.Close()

	_, err := newTestRegistry(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "schema registry register error")
	require.ErrorContains(t, err, "status 409")
}

func TestSchemaRegistryRejectsUnknownTopic(t *testing.T) {
	_, err := newTestRegistry("http://registry.invalid").EnsureTopicSchema(context.Background(), "reviews")
	require.ErrorContains(t, err, "no schema for topic reviews")
}
