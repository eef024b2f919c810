// Package stashclient is the thin GraphQL-over-HTTP adapter
// implementing the Reconciliation Engine's StashSource seam. Modeled
// on the teacher's internal/services/*/*.go HTTP-client shape
// (pooled *http.Client, API-key header); no GraphQL codegen client
// appears anywhere in the retrieved corpus, so the query body is a
// literal string posted over net/http, the same way the teacher's
// service packages hand-build JSON request bodies.
package stashclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trek-e/stash2plex/internal/errkind"
)

// Scene is the subset of a Stash scene the pipeline cares about.
type Scene struct {
	SceneID       int64
	UpdatedAt     time.Time
	Path          string
	Title         string
	Details       string
	Date          string
	Rating        float64
	Studio        string
	Performers    []string
	Tags          []string
	PosterURL     string
	BackgroundURL string
}

// SceneBatch is one page of PageScenes results.
type SceneBatch struct {
	Scenes []Scene
}

// StashSource pages through a Stash server's scene library.
type StashSource interface {
	PageScenes(ctx context.Context, updatedAfter *time.Time, pageSize int) (<-chan SceneBatch, <-chan error)
}

var _ StashSource = (*Client)(nil)

// Client is the real GraphQL-backed StashSource implementation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client against a Stash GraphQL endpoint.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

const findScenesQuery = `
query FindScenes($page: Int!, $per_page: Int!, $updated_after: String) {
  findScenes(
    filter: { page: $page, per_page: $per_page, sort: "updated_at", direction: ASC }
    scene_filter: { updated_at: { value: $updated_after, modifier: GREATER_THAN } }
  ) {
    count
    scenes {
      id
      updated_at
      files { path }
      title
      details
      date
      rating100
      studio { name }
      performers { name }
      tags { name }
      paths { screenshot }
    }
  }
}
`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLSceneNode struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updated_at"`
	Files     []struct {
		Path string `json:"path"`
	} `json:"files"`
	Title   string `json:"title"`
	Details string `json:"details"`
	Date    string `json:"date"`
	Rating  int    `json:"rating100"`
	Studio  *struct {
		Name string `json:"name"`
	} `json:"studio"`
	Performers []struct {
		Name string `json:"name"`
	} `json:"performers"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Paths struct {
		Screenshot string `json:"screenshot"`
	} `json:"paths"`
}

type graphQLResponse struct {
	Data struct {
		FindScenes struct {
			Count  int                `json:"count"`
			Scenes []graphQLSceneNode `json:"scenes"`
		} `json:"findScenes"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// PageScenes pages through every scene updated after updatedAfter (or
// all scenes, if nil) in chunks of pageSize, streaming batches on the
// returned channel until exhausted or ctx is cancelled. The error
// channel carries at most one error before both channels close.
func (c *Client) PageScenes(ctx context.Context, updatedAfter *time.Time, pageSize int) (<-chan SceneBatch, <-chan error) {
	batches := make(chan SceneBatch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)

		page := 1
		for {
			nodes, total, err := c.fetchPage(ctx, page, pageSize, updatedAfter)
			if err != nil {
				errs <- err
				return
			}

			if len(nodes) == 0 {
				return
			}

			select {
			case batches <- SceneBatch{Scenes: nodes}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if page*pageSize >= total {
				return
			}
			page++
		}
	}()

	return batches, errs
}

func (c *Client) fetchPage(ctx context.Context, page, pageSize int, updatedAfter *time.Time) ([]Scene, int, error) {
	variables := map[string]any{
		"page":     page,
		"per_page": pageSize,
	}
	if updatedAfter != nil {
		variables["updated_after"] = updatedAfter.Format(time.RFC3339)
	}

	body, err := json.Marshal(graphQLRequest{Query: findScenesQuery, Variables: variables})
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal graphql request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrap(err, "build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ApiKey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "stash request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		kind := errkind.ClassifyHTTPStatus(resp.StatusCode)
		return nil, 0, &errkind.HTTPError{Status: resp.StatusCode, Kind: kind}
	}

	var parsed graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, errors.Wrap(err, "decode graphql response")
	}
	if len(parsed.Errors) > 0 {
		return nil, 0, errors.Errorf("stash graphql error: %s", parsed.Errors[0].Message)
	}

	scenes := make([]Scene, 0, len(parsed.Data.FindScenes.Scenes))
	for _, node := range parsed.Data.FindScenes.Scenes {
		scenes = append(scenes, toScene(node))
	}
	return scenes, parsed.Data.FindScenes.Count, nil
}

func toScene(node graphQLSceneNode) Scene {
	var id int64
	fmt.Sscanf(node.ID, "%d", &id)

	updatedAt, _ := time.Parse(time.RFC3339, node.UpdatedAt)

	var path string
	if len(node.Files) > 0 {
		path = node.Files[0].Path
	}

	var studio string
	if node.Studio != nil {
		studio = node.Studio.Name
	}

	performers := make([]string, 0, len(node.Performers))
	for _, p := range node.Performers {
		performers = append(performers, p.Name)
	}

	tags := make([]string, 0, len(node.Tags))
	for _, t := range node.Tags {
		tags = append(tags, t.Name)
	}

	return Scene{
		SceneID:       id,
		UpdatedAt:     updatedAt,
		Path:          path,
		Title:         node.Title,
		Details:       node.Details,
		Date:          node.Date,
		Rating:        float64(node.Rating) / 20.0, // rating100 -> 5-star scale
		Studio:        studio,
		Performers:    performers,
		Tags:          tags,
		PosterURL:     node.Paths.Screenshot,
		BackgroundURL: node.Paths.Screenshot,
	}
}
