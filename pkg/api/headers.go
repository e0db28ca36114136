package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/glacier/pkg/types"
)

const metaPrefix = "x-image-meta-"
const metaPropertyPrefix = metaPrefix + "property-"

// imageToHeaders writes img's metadata as x-image-meta-* headers.
// Location-carrying fields are intentionally never written here —
// callers that need direct_url do so through a separate trusted path,
// keeping this function safe to use for every response.
func imageToHeaders(w http.ResponseWriter, img *types.Image) {
	h := w.Header()
	h.Set(metaPrefix+"id", img.ID)
	h.Set(metaPrefix+"name", img.Name)
	h.Set(metaPrefix+"status", string(img.Status))
	h.Set(metaPrefix+"disk_format", string(img.DiskFormat))
	h.Set(metaPrefix+"container_format", string(img.ContainerFormat))
	h.Set(metaPrefix+"size", strconv.FormatInt(img.Size, 10))
	h.Set(metaPrefix+"min_disk", strconv.FormatInt(img.MinDisk, 10))
	h.Set(metaPrefix+"min_ram", strconv.FormatInt(img.MinRAM, 10))
	h.Set(metaPrefix+"owner", img.Owner)
	h.Set(metaPrefix+"is_public", strconv.FormatBool(img.IsPublic))
	h.Set(metaPrefix+"protected", strconv.FormatBool(img.Protected))
	h.Set(metaPrefix+"created_at", img.CreatedAt.UTC().Format(timeLayout))
	h.Set(metaPrefix+"updated_at", img.UpdatedAt.UTC().Format(timeLayout))
	if img.Checksum != "" {
		h.Set(metaPrefix+"checksum", img.Checksum)
		h.Set("ETag", img.Checksum)
	}
	if !img.DeletedAt.IsZero() {
		h.Set(metaPrefix+"deleted_at", img.DeletedAt.UTC().Format(timeLayout))
	}
	for _, tag := range img.Tags {
		h.Add(metaPrefix+"tag", tag.Value)
	}
	for _, p := range img.Properties {
		if !p.Deleted {
			h.Set(metaPropertyPrefix+p.Name, p.Value)
		}
	}
}

const timeLayout = "2006-01-02T15:04:05Z"

// metaFromHeaders extracts every x-image-meta-* header into a flat
// name→value map, with property-<name> headers mapped back onto their
// bare property name under a second map, mirroring how the transport
// must split the single x-image-meta- namespace back into base
// attributes vs. custom properties before handing either to
// pkg/registry.
func metaFromHeaders(h http.Header) (attrs map[string]string, properties map[string]string) {
	attrs = make(map[string]string)
	properties = make(map[string]string)
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, metaPrefix) {
			continue
		}
		if strings.HasPrefix(lower, metaPropertyPrefix) {
			name := strings.TrimPrefix(lower, metaPropertyPrefix)
			properties[name] = values[0]
			continue
		}
		name := strings.TrimPrefix(lower, metaPrefix)
		attrs[name] = values[0]
	}
	return attrs, properties
}

func parseBoolHeader(attrs map[string]string, name string) (*bool, error) {
	raw, ok := attrs[name]
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseIntHeader(attrs map[string]string, name string) (int64, error) {
	raw, ok := attrs[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
