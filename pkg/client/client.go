package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Image is the client-side view of a catalog image, decoded from the
// JSON bodies pkg/api's handlers emit.
type Image struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	DiskFormat      string            `json:"disk_format"`
	ContainerFormat string            `json:"container_format"`
	Size            int64             `json:"size"`
	Checksum        string            `json:"checksum"`
	MinDisk         int64             `json:"min_disk"`
	MinRAM          int64             `json:"min_ram"`
	Owner           string            `json:"owner"`
	IsPublic        bool              `json:"is_public"`
	Protected       bool              `json:"protected"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	Properties      map[string]string `json:"properties"`
	Tags            []string          `json:"tags"`
}

// CreateOptions describes an image to register, mirroring the
// x-image-meta-* attributes the server accepts on POST /images.
type CreateOptions struct {
	ID              string
	Name            string
	DiskFormat      string
	ContainerFormat string
	Size            int64
	MinDisk         int64
	MinRAM          int64
	IsPublic        bool
	Protected       bool
	Location        string
	Properties      map[string]string
}

// UpdateOptions carries only the attributes to change; zero-value
// fields other than the explicit pointers are left untouched.
type UpdateOptions struct {
	Name            *string
	DiskFormat      *string
	ContainerFormat *string
	MinDisk         *int64
	MinRAM          *int64
	IsPublic        *bool
	Protected       *bool
	Location        *string
	Properties      map[string]string
	PurgeProperties bool
}

// ListOptions mirrors the server's listing query parameters.
type ListOptions struct {
	Marker          string
	Limit           int
	SortKey         string
	SortDir         string
	Name            string
	Status          string
	DiskFormat      string
	ContainerFormat string
	IsPublic        *bool
	Protected       *bool
	Deleted         *bool
}

// Client wraps the registry's HTTP API with a convenient, idiomatic Go
// interface: one method per server operation, each bounded by its own
// context timeout except the streaming UploadImageBody and
// DownloadImageBody, with no certificate plumbing required.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://registry:9292").
// authToken is sent as X-Auth-Token on every request; pass "" for
// anonymous-admin access, matching pkg/api's requestContext fallback.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{},
	}
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("X-Auth-Token", c.authToken)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

// ResponseError is returned when the server answers with a 4xx/5xx
// status; Message carries the JSON error body pkg/api's writeError
// produces.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("registry: status %d: %s", e.StatusCode, e.Message)
}

func setCreateHeaders(h http.Header, opts CreateOptions) {
	if opts.ID != "" {
		h.Set("x-image-meta-id", opts.ID)
	}
	h.Set("x-image-meta-name", opts.Name)
	h.Set("x-image-meta-disk_format", opts.DiskFormat)
	h.Set("x-image-meta-container_format", opts.ContainerFormat)
	if opts.Size > 0 {
		h.Set("x-image-meta-size", strconv.FormatInt(opts.Size, 10))
	}
	if opts.MinDisk > 0 {
		h.Set("x-image-meta-min_disk", strconv.FormatInt(opts.MinDisk, 10))
	}
	if opts.MinRAM > 0 {
		h.Set("x-image-meta-min_ram", strconv.FormatInt(opts.MinRAM, 10))
	}
	h.Set("x-image-meta-is_public", strconv.FormatBool(opts.IsPublic))
	h.Set("x-image-meta-protected", strconv.FormatBool(opts.Protected))
	if opts.Location != "" {
		h.Set("x-image-meta-location", opts.Location)
	}
	for name, value := range opts.Properties {
		h.Set("x-image-meta-property-"+name, value)
	}
}

// CreateImage registers a new image (POST /images).
func (c *Client) CreateImage(ctx context.Context, opts CreateOptions) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/images", nil)
	if err != nil {
		return nil, err
	}
	setCreateHeaders(req.Header, opts)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &img, nil
}

// GetImage fetches an image's metadata (HEAD /images/<id>).
func (c *Client) GetImage(ctx context.Context, id string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, "/images/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return imageFromHeaders(resp.Header), nil
}

func imageFromHeaders(h http.Header) *Image {
	img := &Image{
		ID:              h.Get("x-image-meta-id"),
		Name:            h.Get("x-image-meta-name"),
		Status:          h.Get("x-image-meta-status"),
		DiskFormat:      h.Get("x-image-meta-disk_format"),
		ContainerFormat: h.Get("x-image-meta-container_format"),
		Checksum:        h.Get("x-image-meta-checksum"),
		Owner:           h.Get("x-image-meta-owner"),
		CreatedAt:       h.Get("x-image-meta-created_at"),
		UpdatedAt:       h.Get("x-image-meta-updated_at"),
		Properties:      map[string]string{},
	}
	img.Size, _ = strconv.ParseInt(h.Get("x-image-meta-size"), 10, 64)
	img.MinDisk, _ = strconv.ParseInt(h.Get("x-image-meta-min_disk"), 10, 64)
	img.MinRAM, _ = strconv.ParseInt(h.Get("x-image-meta-min_ram"), 10, 64)
	img.IsPublic, _ = strconv.ParseBool(h.Get("x-image-meta-is_public"))
	img.Protected, _ = strconv.ParseBool(h.Get("x-image-meta-protected"))
	for key, values := range h {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-image-meta-property-") && len(values) > 0 {
			img.Properties[strings.TrimPrefix(lower, "x-image-meta-property-")] = values[0]
		}
		if lower == "x-image-meta-tag" {
			img.Tags = append(img.Tags, values...)
		}
	}
	return img
}

// UpdateImage applies a partial update (PUT /images/<id>).
func (c *Client) UpdateImage(ctx context.Context, id string, opts UpdateOptions) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPut, "/images/"+id, nil)
	if err != nil {
		return nil, err
	}
	h := req.Header
	if opts.Name != nil {
		h.Set("x-image-meta-name", *opts.Name)
	}
	if opts.DiskFormat != nil {
		h.Set("x-image-meta-disk_format", *opts.DiskFormat)
	}
	if opts.ContainerFormat != nil {
		h.Set("x-image-meta-container_format", *opts.ContainerFormat)
	}
	if opts.MinDisk != nil {
		h.Set("x-image-meta-min_disk", strconv.FormatInt(*opts.MinDisk, 10))
	}
	if opts.MinRAM != nil {
		h.Set("x-image-meta-min_ram", strconv.FormatInt(*opts.MinRAM, 10))
	}
	if opts.IsPublic != nil {
		h.Set("x-image-meta-is_public", strconv.FormatBool(*opts.IsPublic))
	}
	if opts.Protected != nil {
		h.Set("x-image-meta-protected", strconv.FormatBool(*opts.Protected))
	}
	if opts.Location != nil {
		h.Set("x-image-meta-location", *opts.Location)
	}
	if opts.PurgeProperties {
		h.Set("x-image-meta-purge_props", "true")
	}
	for name, value := range opts.Properties {
		h.Set("x-image-meta-property-"+name, value)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}
	return &img, nil
}

// DeleteImage removes an image (DELETE /images/<id>). When delayed is
// true the server marks the row pending_delete and lets the scrubber
// reap the body later.
func (c *Client) DeleteImage(ctx context.Context, id string, delayed bool) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	path := "/images/" + id
	if delayed {
		path += "?delayed_delete=true"
	}
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// UploadImageBody streams body to the image's storage location (PUT
// /images/<id>/file). expectedChecksum is optional; when set the
// server rejects a mismatch and kills the image.
func (c *Client) UploadImageBody(ctx context.Context, id string, body io.Reader, size int64, expectedChecksum string) (*Image, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/images/"+id+"/file", body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	if expectedChecksum != "" {
		req.Header.Set("x-image-meta-checksum", expectedChecksum)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return imageFromHeaders(resp.Header), nil
}

// DownloadImageBody opens the image's active body (GET /images/<id>/file).
// The caller must close the returned stream.
func (c *Client) DownloadImageBody(ctx context.Context, id string) (io.ReadCloser, *Image, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/images/"+id+"/file", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, imageFromHeaders(resp.Header), nil
}

type listImagesResponse struct {
	Images []Image `json:"images"`
}

// ListImages lists images (GET /images) with the server's filters,
// sort keys, and keyset pagination.
func (c *Client) ListImages(ctx context.Context, opts ListOptions) ([]Image, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	q := url.Values{}
	if opts.Marker != "" {
		q.Set("marker", opts.Marker)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.SortKey != "" {
		q.Set("sort_key", opts.SortKey)
	}
	if opts.SortDir != "" {
		q.Set("sort_dir", opts.SortDir)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.DiskFormat != "" {
		q.Set("disk_format", opts.DiskFormat)
	}
	if opts.ContainerFormat != "" {
		q.Set("container_format", opts.ContainerFormat)
	}
	if opts.IsPublic != nil {
		q.Set("is_public", strconv.FormatBool(*opts.IsPublic))
	}
	if opts.Protected != nil {
		q.Set("protected", strconv.FormatBool(*opts.Protected))
	}
	if opts.Deleted != nil {
		q.Set("deleted", strconv.FormatBool(*opts.Deleted))
	}

	path := "/images"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out listImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return out.Images, nil
}

// AddTag attaches a tag to an image (PUT /images/<id>/tags/<value>).
func (c *Client) AddTag(ctx context.Context, id, value string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPut, "/images/"+id+"/tags/"+url.PathEscape(value), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// RemoveTag detaches a tag from an image (DELETE /images/<id>/tags/<value>).
func (c *Client) RemoveTag(ctx context.Context, id, value string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, "/images/"+id+"/tags/"+url.PathEscape(value), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Member describes a tenant's sharing relationship to an image.
type Member struct {
	MemberID string `json:"member_id"`
	CanShare bool   `json:"can_share"`
	Status   string `json:"status,omitempty"`
}

type memberListBody struct {
	Members []Member `json:"members"`
}

// ListMembers lists the tenants an image is shared with (GET
// /images/<id>/members).
func (c *Client) ListMembers(ctx context.Context, id string) ([]Member, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/images/"+id+"/members", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out memberListBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode members response: %w", err)
	}
	return out.Members, nil
}

// ReplaceMembers overwrites the full membership list for an image (PUT
// /images/<id>/members).
func (c *Client) ReplaceMembers(ctx context.Context, id string, members []Member) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	payload, err := json.Marshal(memberListBody{Members: members})
	if err != nil {
		return fmt.Errorf("encode members body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/images/"+id+"/members", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// AddMember grants a single tenant access to an image (PUT
// /images/<id>/members/<member>).
func (c *Client) AddMember(ctx context.Context, id, member string, canShare bool) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	payload, err := json.Marshal(struct {
		CanShare bool `json:"can_share"`
	}{CanShare: canShare})
	if err != nil {
		return fmt.Errorf("encode member body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/images/"+id+"/members/"+member, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// RemoveMember revokes a tenant's access to an image (DELETE
// /images/<id>/members/<member>).
func (c *Client) RemoveMember(ctx context.Context, id, member string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, "/images/"+id+"/members/"+member, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type sharedImagesResponse struct {
	SharedImages []Image `json:"shared_images"`
}

// SharedImages lists the images shared with member (GET
// /shared-images/<member>).
func (c *Client) SharedImages(ctx context.Context, member string) ([]Image, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/shared-images/"+member, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out sharedImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode shared images response: %w", err)
	}
	return out.SharedImages, nil
}
