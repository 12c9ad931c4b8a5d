package ckan

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", 5*time.Second, true, nil)
}

func TestGetResource(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/3/action/resource_show", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "res-1", payload["id"])

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"id":         "res-1",
				"package_id": "pkg-1",
				"name":       "sales.csv",
				"format":     "CSV",
				"url":        "http://example.com/sales.csv",
				"hash":       "abc123",
			},
		})
	})

	res, err := client.GetResource(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", res.PackageID)
	assert.Equal(t, "CSV", res.Format)
	assert.Equal(t, "abc123", res.Hash)
}

func TestCallActionError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"message": "Not found"},
		})
	})

	_, err := client.GetResource(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource_show failed")
	assert.Contains(t, err.Error(), "409")
}

func TestCallUndecodableBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>gateway timeout</html>")
	})

	_, err := client.GetPackage(context.Background(), "pkg-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPatchPackageMergesID(t *testing.T) {
	var got map[string]any
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/3/action/package_patch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{}})
	})

	err := client.PatchPackage(context.Background(), "pkg-1", map[string]any{
		"dpp_suggestions": map[string]any{"formulae": "pending"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", got["id"])
	assert.Contains(t, got, "dpp_suggestions")
}

func TestResourceExists(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"id":   "pkg-1",
				"name": "my-dataset",
				"resources": []map[string]any{
					{"id": "res-1", "name": "sales.csv"},
					{"id": "res-2", "name": "sales.geojson"},
				},
			},
		})
	})

	id, ok, err := client.ResourceExists(context.Background(), "pkg-1", "sales.geojson")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "res-2", id)

	_, ok, err = client.ResourceExists(context.Background(), "pkg-1", "other.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatastoreFields(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(0), payload["limit"])

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"fields": []map[string]any{
					{"id": "_id", "type": "int"},
					{"id": "name", "type": "text", "info": map[string]any{"label": "Name", "type_override": "text"}},
				},
			},
		})
	})

	fields, ok, err := client.DatastoreFields(context.Background(), "res-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, fields, 2)
	assert.Equal(t, "name", fields[1].ID)
	require.NotNil(t, fields[1].Info)
	assert.Equal(t, "text", fields[1].Info.TypeOverride)
}

func TestDatastoreFieldsMissingTable(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": map[string]string{"message": "Not found"}})
	})

	_, ok, err := client.DatastoreFields(context.Background(), "res-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatastoreCreateForcesAndReturnsID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req DatastoreCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Force)
		assert.Equal(t, []string{"sales-my-dataset-acme"}, req.Aliases)

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"resource_id": "res-1"},
		})
	})

	id, err := client.DatastoreCreate(context.Background(), DatastoreCreateRequest{
		ResourceID: "res-1",
		Fields:     []Field{{ID: "name", Type: "text"}},
		Aliases:    []string{"sales-my-dataset-acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", id)
}
