// Package plexclient is the thin HTTP adapter the worker and matcher
// depend on through the PlexServer interface. Grounded on the
// teacher's internal/services/plex/plex.go (header construction,
// /identity health endpoint) and internal/services/core/service.go
// (pooled *http.Client keyed by timeout).
package plexclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/errkind"
	"github.com/trek-e/stash2plex/internal/matcher"
)

// LibrarySection is one Plex library section.
type LibrarySection struct {
	Key   string
	Title string
	Type  string
}

// MatchedItem is what the Matcher resolved a scene to.
type MatchedItem struct {
	RatingKey  string
	SectionKey string
	Path       string
}

// ArtKind distinguishes poster from background art uploads.
type ArtKind string

const (
	ArtPoster     ArtKind = "poster"
	ArtBackground ArtKind = "art"
)

// FieldEdits carries only the fields that changed; nil means "leave
// as-is," so the worker's diff-before-write step can build a minimal
// edit from a field-by-field comparison.
type FieldEdits struct {
	Title      *string
	Details    *string
	Date       *string
	Rating     *float64
	Studio     *string
	Performers []string
	Tags       []string
}

// IsEmpty reports whether there is nothing to write, the signal the
// worker uses to skip a no-op edit.
func (e FieldEdits) IsEmpty() bool {
	return e.Title == nil && e.Details == nil && e.Date == nil &&
		e.Rating == nil && e.Studio == nil && e.Performers == nil && e.Tags == nil
}

// ItemDetails is the subset of a Plex item's current field values the
// worker's diff-before-write step compares against an incoming
// payload. A second supplemental read, alongside ListSectionItems, for
// the same reason: nothing else in the four literal operations exposes
// field-level state to diff against.
type ItemDetails struct {
	Title      string
	Details    string
	Date       string
	Rating     float64
	Studio     string
	Performers []string
	Tags       []string
}

// PlexServer is the seam the worker and matcher depend on, so tests
// can substitute a fake server. ListSectionItems and GetItemDetails
// supplement the literal four write/probe operations with the read
// paths the Matcher and the worker's diff step need.
type PlexServer interface {
	ListSections(ctx context.Context) ([]LibrarySection, error)
	ListSectionItems(ctx context.Context, sectionKey string) ([]matcher.Item, error)
	GetItemDetails(ctx context.Context, ratingKey string) (ItemDetails, error)
	Identity(ctx context.Context, timeout time.Duration) error
	ApplyEdits(ctx context.Context, item MatchedItem, edits FieldEdits) error
	UploadArt(ctx context.Context, item MatchedItem, kind ArtKind, sourceURL string) error
	Reload(ctx context.Context, sectionKey string) error
}

var _ PlexServer = (*Client)(nil)

// Client is the real HTTP-backed PlexServer implementation.
type Client struct {
	baseURL        string
	token          string
	deviceID       string
	connectTimeout time.Duration
	readTimeout    time.Duration
	httpClients    sync.Map // timeout -> *http.Client, pooled like the teacher's core.ServiceCore
}

// New builds a Client. deviceID is the persisted X-Plex-Client-Identifier
// from internal/deviceid.
func New(baseURL, token, deviceID string, connectTimeout, readTimeout time.Duration) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		deviceID:       deviceID,
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Accept":                   "application/json",
		"X-Plex-Token":             c.token,
		"X-Plex-Client-Identifier": c.deviceID,
		"X-Plex-Product":           "stash2plex",
		"X-Plex-Version":           "1.0.0",
		"X-Plex-Platform":          "Linux",
		"X-Plex-Device":            "stash2plex",
	}
}

func (c *Client) httpClient(timeout time.Duration) *http.Client {
	if v, ok := c.httpClients.Load(timeout); ok {
		return v.(*http.Client)
	}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}
	c.httpClients.Store(timeout, client)
	return client
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	timeout := c.readTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "plex request failed")
	}
	return resp, nil
}

type sectionsResponse struct {
	MediaContainer struct {
		Directory []struct {
			Key   string `json:"key"`
			Title string `json:"title"`
			Type  string `json:"type"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

// ListSections lists the server's library sections.
func (c *Client) ListSections(ctx context.Context) ([]LibrarySection, error) {
	resp, err := c.do(ctx, http.MethodGet, "/library/sections", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}

	var parsed sectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode sections response")
	}

	sections := make([]LibrarySection, 0, len(parsed.MediaContainer.Directory))
	for _, d := range parsed.MediaContainer.Directory {
		sections = append(sections, LibrarySection{Key: d.Key, Title: d.Title, Type: d.Type})
	}
	return sections, nil
}

type sectionItemsResponse struct {
	MediaContainer struct {
		Metadata []struct {
			RatingKey string `json:"ratingKey"`
			Media     []struct {
				Part []struct {
					File string `json:"file"`
				} `json:"Part"`
			} `json:"Media"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// ListSectionItems enumerates every media item in a section, keyed by
// the file path of its single media part, for the Matcher to search.
func (c *Client) ListSectionItems(ctx context.Context, sectionKey string) ([]matcher.Item, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/library/sections/%s/all", sectionKey), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}

	var parsed sectionItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode section items response")
	}

	var items []matcher.Item
	for _, m := range parsed.MediaContainer.Metadata {
		for _, media := range m.Media {
			for _, part := range media.Part {
				items = append(items, matcher.Item{
					RatingKey:  m.RatingKey,
					SectionKey: sectionKey,
					Path:       part.File,
				})
			}
		}
	}
	return items, nil
}

type itemDetailsResponse struct {
	MediaContainer struct {
		Metadata []struct {
			Title                 string  `json:"title"`
			Summary               string  `json:"summary"`
			OriginallyAvailableAt string  `json:"originallyAvailableAt"`
			Rating                float64 `json:"rating"`
			Studio                string  `json:"studio"`
			Genre                 []struct {
				Tag string `json:"tag"`
			} `json:"Genre"`
			Role []struct {
				Tag string `json:"tag"`
			} `json:"Role"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// GetItemDetails fetches ratingKey's current field values so the
// worker can diff an incoming payload against them before writing.
func (c *Client) GetItemDetails(ctx context.Context, ratingKey string) (ItemDetails, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/library/metadata/%s", ratingKey), nil, "")
	if err != nil {
		return ItemDetails{}, err
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return ItemDetails{}, err
	}

	var parsed itemDetailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ItemDetails{}, errors.Wrap(err, "decode item details response")
	}
	if len(parsed.MediaContainer.Metadata) == 0 {
		return ItemDetails{}, &errkind.HTTPError{Status: http.StatusNotFound, Kind: errkind.NotFound}
	}

	m := parsed.MediaContainer.Metadata[0]
	details := ItemDetails{
		Title:   m.Title,
		Details: m.Summary,
		Date:    m.OriginallyAvailableAt,
		Rating:  m.Rating,
		Studio:  m.Studio,
	}
	for _, g := range m.Genre {
		details.Tags = append(details.Tags, g.Tag)
	}
	for _, r := range m.Role {
		details.Performers = append(details.Performers, r.Tag)
	}
	return details, nil
}

// Identity issues the deep health probe: GET /identity, which
// requires the server's database to be reachable, not merely a TCP
// accept.
func (c *Client) Identity(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/identity", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(resp)
}

// ApplyEdits issues one PUT to the section's edit endpoint carrying
// only the changed fields.
func (c *Client) ApplyEdits(ctx context.Context, item MatchedItem, edits FieldEdits) error {
	if edits.IsEmpty() {
		return nil
	}

	q := url.Values{}
	q.Set("type", "1")
	q.Set("id", item.RatingKey)

	setField := func(key string, v *string) {
		if v != nil {
			q.Set(key+".value", *v)
			q.Set(key+".locked", "1")
		}
	}
	setField("title", edits.Title)
	setField("summary", edits.Details)
	setField("originallyAvailableAt", edits.Date)
	setField("studio", edits.Studio)
	if edits.Rating != nil {
		q.Set("rating.value", fmt.Sprintf("%.1f", *edits.Rating))
		q.Set("rating.locked", "1")
	}
	for i, tag := range edits.Tags {
		q.Set(fmt.Sprintf("genre[%d].tag.tag", i), tag)
	}
	for i, performer := range edits.Performers {
		q.Set(fmt.Sprintf("actor[%d].tag.tag", i), performer)
	}

	path := fmt.Sprintf("/library/sections/%s/all?%s", item.SectionKey, q.Encode())
	resp, err := c.do(ctx, http.MethodPut, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(resp)
}

// UploadArt posts multipart art sourced from sourceURL to the item's
// poster or background endpoint.
func (c *Client) UploadArt(ctx context.Context, item MatchedItem, kind ArtKind, sourceURL string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("url", sourceURL); err != nil {
		return errors.Wrap(err, "build multipart body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close multipart writer")
	}

	endpoint := "posters"
	if kind == ArtBackground {
		endpoint = "arts"
	}

	path := fmt.Sprintf("/library/metadata/%s/%s?url=%s", item.RatingKey, endpoint, url.QueryEscape(sourceURL))
	resp, err := c.do(ctx, http.MethodPost, path, &buf, w.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(resp)
}

// Reload triggers a single deferred library scan for sectionKey
// rather than one reload per edited field.
func (c *Client) Reload(ctx context.Context, sectionKey string) error {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/library/sections/%s/refresh", sectionKey), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(resp)
}

func statusErr(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	kind := errkind.ClassifyHTTPStatus(resp.StatusCode)
	log.Debug().Int("status", resp.StatusCode).Str("kind", kind.String()).Msg("plex request returned error status")
	return &errkind.HTTPError{Status: resp.StatusCode, Kind: kind}
}
