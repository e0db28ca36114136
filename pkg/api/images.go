package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/lifecycle"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/registry"
	"github.com/cuemby/glacier/pkg/types"
)

// handleCreateImage services POST /images: metadata-only (→ queued) or
// metadata with a preset x-image-meta-location (→ active).
func (s *Server) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	attrs, properties := metaFromHeaders(r.Header)

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	if err := registry.ValidatePropertyNames(names, true); err != nil {
		writeError(w, err)
		return
	}

	in, err := createInputFromAttrs(attrs, properties)
	if err != nil {
		writeError(w, err)
		return
	}

	img, err := s.lifecycle.Reserve(rc, in)
	if err != nil {
		writeError(w, err)
		return
	}
	imageToHeaders(w, img)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(imageJSON(img))
}

// handleGetImageMeta services HEAD and GET on /images/<id>: metadata in
// x-image-meta-* headers either way, with a JSON rendering of the same
// record as the GET body.
func (s *Server) handleGetImageMeta(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]
	img, err := s.registry.GetImage(rc, id)
	if err != nil {
		writeError(w, err)
		return
	}
	imageToHeaders(w, img)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(imageJSON(img))
}

// handleUpdateImage services PUT /images/<id> (metadata-only update,
// when no body is attached) or PATCH-like partial update carried over
// x-image-meta-* headers.
func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]
	attrs, properties := metaFromHeaders(r.Header)

	in, purge, err := updateInputFromAttrs(attrs, properties)
	if err != nil {
		writeError(w, err)
		return
	}

	img, err := s.registry.UpdateImage(rc, id, in, purge)
	if err != nil {
		writeError(w, err)
		return
	}
	imageToHeaders(w, img)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(imageJSON(img))
}

// handleDeleteImage services DELETE /images/<id>. delayed_delete is
// read from config unless overridden by the request query string.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]

	delayed := s.cfg.DelayedDelete
	if v := r.URL.Query().Get("delayed_delete"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, regerr.New(regerr.BadRequest, "delayed_delete must be a boolean"))
			return
		}
		delayed = parsed
	}

	if _, err := s.lifecycle.Delete(rc, id, delayed); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadBody services PUT /images/<id>/file: the octet-stream
// body upload that drives queued→saving→active|killed.
func (s *Server) handleUploadBody(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]

	expectedChecksum := r.Header.Get("x-image-meta-checksum")
	if expectedChecksum == "" {
		expectedChecksum = r.Header.Get("Content-MD5")
	}

	img, err := s.lifecycle.UploadBody(r.Context(), rc, id, r.Body, r.ContentLength, expectedChecksum)
	if err != nil {
		writeError(w, err)
		return
	}
	imageToHeaders(w, img)
	w.WriteHeader(http.StatusOK)
}

// handleDownloadBody services GET /images/<id>/file: streams the
// active location's bytes as application/octet-stream.
func (s *Server) handleDownloadBody(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]

	info := lifecycle.DownloadInfo{
		ReceiverTenantID: rc.TenantID,
		ReceiverUserID:   rc.UserID,
		DestinationIP:    clientIP(r),
	}

	body, size, img, err := s.lifecycle.Download(r.Context(), rc, id, info)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	imageToHeaders(w, img)
	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// handleListImages services GET /images: the filtered/sorted/keyset
// paginated listing.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	q := r.URL.Query()

	opts, err := listOptionsFromQuery(q, s.cfg.MaxListLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	images, err := s.registry.ListImages(rc, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		out = append(out, imageJSON(img))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"images": out})
}

// handleAddTag services PUT /images/<id>/tags/<value>.
func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	vars := mux.Vars(r)
	if err := s.registry.AddTag(rc, vars["id"], vars["value"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveTag services DELETE /images/<id>/tags/<value>.
func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	vars := mux.Vars(r)
	if err := s.registry.RemoveTag(rc, vars["id"], vars["value"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func imageJSON(img *types.Image) map[string]any {
	props := make(map[string]string, len(img.Properties))
	for _, p := range img.Properties {
		if !p.Deleted {
			props[p.Name] = p.Value
		}
	}
	tags := make([]string, 0, len(img.Tags))
	for _, t := range img.Tags {
		tags = append(tags, t.Value)
	}
	return map[string]any{
		"id":               img.ID,
		"name":             img.Name,
		"status":           string(img.Status),
		"disk_format":      string(img.DiskFormat),
		"container_format": string(img.ContainerFormat),
		"size":             img.Size,
		"checksum":         img.Checksum,
		"min_disk":         img.MinDisk,
		"min_ram":          img.MinRAM,
		"owner":            img.Owner,
		"is_public":        img.IsPublic,
		"protected":        img.Protected,
		"created_at":       img.CreatedAt.UTC().Format(timeLayout),
		"updated_at":       img.UpdatedAt.UTC().Format(timeLayout),
		"properties":       props,
		"tags":             tags,
	}
}

func createInputFromAttrs(attrs, properties map[string]string) (registry.CreateInput, error) {
	size, err := parseIntHeader(attrs, "size")
	if err != nil {
		return registry.CreateInput{}, regerr.New(regerr.BadRequest, "size must be an integer")
	}
	minDisk, err := parseIntHeader(attrs, "min_disk")
	if err != nil {
		return registry.CreateInput{}, regerr.New(regerr.BadRequest, "min_disk must be an integer")
	}
	minRAM, err := parseIntHeader(attrs, "min_ram")
	if err != nil {
		return registry.CreateInput{}, regerr.New(regerr.BadRequest, "min_ram must be an integer")
	}
	isPublic, err := parseBoolHeader(attrs, "is_public")
	if err != nil {
		return registry.CreateInput{}, regerr.New(regerr.BadRequest, "is_public must be a boolean")
	}
	protected, err := parseBoolHeader(attrs, "protected")
	if err != nil {
		return registry.CreateInput{}, regerr.New(regerr.BadRequest, "protected must be a boolean")
	}

	in := registry.CreateInput{
		ID:              attrs["id"],
		Name:            attrs["name"],
		DiskFormat:      types.DiskFormat(attrs["disk_format"]),
		ContainerFormat: types.ContainerFormat(attrs["container_format"]),
		Size:            size,
		MinDisk:         minDisk,
		MinRAM:          minRAM,
		Properties:      properties,
		Location:        attrs["location"],
	}
	if isPublic != nil {
		in.IsPublic = *isPublic
	}
	if protected != nil {
		in.Protected = *protected
	}
	if tag := attrs["tag"]; tag != "" {
		in.Tags = []string{tag}
	}
	return in, nil
}

func updateInputFromAttrs(attrs, properties map[string]string) (registry.UpdateInput, bool, error) {
	var in registry.UpdateInput
	if v, ok := attrs["name"]; ok {
		in.Name = &v
	}
	if v, ok := attrs["disk_format"]; ok {
		df := types.DiskFormat(v)
		in.DiskFormat = &df
	}
	if v, ok := attrs["container_format"]; ok {
		cf := types.ContainerFormat(v)
		in.ContainerFormat = &cf
	}
	if v, ok := attrs["min_disk"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, false, regerr.New(regerr.BadRequest, "min_disk must be an integer")
		}
		in.MinDisk = &n
	}
	if v, ok := attrs["min_ram"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, false, regerr.New(regerr.BadRequest, "min_ram must be an integer")
		}
		in.MinRAM = &n
	}
	if v, ok := attrs["is_public"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return in, false, regerr.New(regerr.BadRequest, "is_public must be a boolean")
		}
		in.IsPublic = &b
	}
	if v, ok := attrs["protected"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return in, false, regerr.New(regerr.BadRequest, "protected must be a boolean")
		}
		in.Protected = &b
	}
	if v, ok := attrs["location"]; ok {
		in.Location = &v
	}
	if len(properties) > 0 {
		in.Properties = properties
	}

	purge := false
	if v, ok := attrs["purge_props"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return in, false, regerr.New(regerr.BadRequest, "purge_props must be a boolean")
		}
		purge = b
	}
	return in, purge, nil
}

func listOptionsFromQuery(q map[string][]string, maxLimit int) (catalog.ListOptions, error) {
	get := func(name string) string {
		if v := q[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var opts catalog.ListOptions
	opts.Marker = get("marker")
	if v := get("sort_key"); v != "" {
		opts.SortKeys = strings.Split(v, ",")
	}
	if v := get("sort_dir"); v != "" {
		for _, d := range strings.Split(v, ",") {
			opts.SortDirs = append(opts.SortDirs, catalog.SortDir(d))
		}
	}

	limit := maxLimit
	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, regerr.New(regerr.BadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	opts.Limit = limit

	f := &opts.Filters
	f.NamePattern = get("name")
	f.DiskFormat = get("disk_format")
	f.ContainerFormat = get("container_format")
	if v := get("status"); v != "" {
		f.Statuses = strings.Split(v, ",")
	}
	if v := get("changes-since"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return opts, regerr.New(regerr.BadRequest, "changes-since must be an ISO 8601 timestamp")
		}
		f.ChangesSince = ts
	}

	var err error
	if f.IsPublic, err = parseQueryBool(q, "is_public"); err != nil {
		return opts, err
	}
	if f.Protected, err = parseQueryBool(q, "protected"); err != nil {
		return opts, err
	}
	if f.Deleted, err = parseQueryBool(q, "deleted"); err != nil {
		return opts, err
	}
	if f.Deleted != nil && *f.Deleted {
		f.ShowDeleted = true
	}

	if f.SizeMin, err = parseQueryInt(q, "size_min"); err != nil {
		return opts, err
	}
	if f.SizeMax, err = parseQueryInt(q, "size_max"); err != nil {
		return opts, err
	}
	// A bare attribute name is an equality filter; the _min/_max suffix
	// selects the inclusive range variant.
	if f.MinDisk, err = parseQueryInt(q, "min_disk"); err != nil {
		return opts, err
	}
	if f.MinRAM, err = parseQueryInt(q, "min_ram"); err != nil {
		return opts, err
	}
	if f.MinDiskMin, err = parseQueryInt(q, "min_disk_min"); err != nil {
		return opts, err
	}
	if f.MinDiskMax, err = parseQueryInt(q, "min_disk_max"); err != nil {
		return opts, err
	}
	if f.MinRAMMin, err = parseQueryInt(q, "min_ram_min"); err != nil {
		return opts, err
	}
	if f.MinRAMMax, err = parseQueryInt(q, "min_ram_max"); err != nil {
		return opts, err
	}

	f.Properties = make(map[string]string)
	for key, values := range q {
		if strings.HasPrefix(key, "property-") && len(values) > 0 {
			f.Properties[strings.TrimPrefix(key, "property-")] = values[0]
		}
	}
	return opts, nil
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func parseQueryBool(q map[string][]string, name string) (*bool, error) {
	v, ok := q[name]
	if !ok || len(v) == 0 || v[0] == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v[0])
	if err != nil {
		return nil, regerr.Newf(regerr.InvalidFilterRangeValue, "%s must be a boolean", name)
	}
	return &b, nil
}

func parseQueryInt(q map[string][]string, name string) (*int64, error) {
	v, ok := q[name]
	if !ok || len(v) == 0 || v[0] == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v[0], 10, 64)
	if err != nil {
		return nil, regerr.Newf(regerr.InvalidFilterRangeValue, "%s must be an integer", name)
	}
	return &n, nil
}
