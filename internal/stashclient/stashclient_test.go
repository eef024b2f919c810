package stashclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageScenes_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("ApiKey"))
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := graphQLResponse{}
		resp.Data.FindScenes.Count = 1
		resp.Data.FindScenes.Scenes = []graphQLSceneNode{
			{
				ID:        "42",
				UpdatedAt: "2026-01-01T00:00:00Z",
				Title:     "A Scene",
				Rating:    80,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	batches, errs := c.PageScenes(context.Background(), nil, 100)

	var all []Scene
	for b := range batches {
		all = append(all, b.Scenes...)
	}
	require.NoError(t, <-errs)

	require.Len(t, all, 1)
	assert.Equal(t, int64(42), all[0].SceneID)
	assert.Equal(t, "A Scene", all[0].Title)
	assert.Equal(t, 4.0, all[0].Rating)
}

func TestPageScenes_MultiplePages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := graphQLResponse{}
		resp.Data.FindScenes.Count = 2
		if calls == 1 {
			resp.Data.FindScenes.Scenes = []graphQLSceneNode{{ID: "1"}}
		} else {
			resp.Data.FindScenes.Scenes = []graphQLSceneNode{{ID: "2"}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	batches, errs := c.PageScenes(context.Background(), nil, 1)

	var all []Scene
	for b := range batches {
		all = append(all, b.Scenes...)
	}
	require.NoError(t, <-errs)
	require.Len(t, all, 2)
	assert.Equal(t, 2, calls)
}

func TestPageScenes_EmptyResultStopsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graphQLResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	batches, errs := c.PageScenes(context.Background(), nil, 100)

	var all []Scene
	for b := range batches {
		all = append(all, b.Scenes...)
	}
	require.NoError(t, <-errs)
	assert.Empty(t, all)
}

func TestPageScenes_GraphQLErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := graphQLResponse{}
		resp.Errors = []struct {
			Message string `json:"message"`
		}{{Message: "bad filter"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	batches, errs := c.PageScenes(context.Background(), nil, 100)

	for range batches {
	}
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad filter")
}

func TestPageScenes_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	batches, errs := c.PageScenes(context.Background(), nil, 100)

	for range batches {
	}
	assert.Error(t, <-errs)
}
