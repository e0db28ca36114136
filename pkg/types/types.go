package types

import "time"

// Status represents the lifecycle state of an Image.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusSaving        Status = "saving"
	StatusActive        Status = "active"
	StatusKilled        Status = "killed"
	StatusPendingDelete Status = "pending_delete"
	StatusDeleted       Status = "deleted"
)

// DiskFormat enumerates the recognized on-disk image formats.
type DiskFormat string

const (
	DiskFormatAMI    DiskFormat = "ami"
	DiskFormatARI    DiskFormat = "ari"
	DiskFormatAKI    DiskFormat = "aki"
	DiskFormatVHD    DiskFormat = "vhd"
	DiskFormatVMDK   DiskFormat = "vmdk"
	DiskFormatRaw    DiskFormat = "raw"
	DiskFormatQCOW2  DiskFormat = "qcow2"
	DiskFormatVDI    DiskFormat = "vdi"
	DiskFormatISO    DiskFormat = "iso"
)

// ContainerFormat enumerates the recognized container wrapper formats.
type ContainerFormat string

const (
	ContainerFormatAMI  ContainerFormat = "ami"
	ContainerFormatARI  ContainerFormat = "ari"
	ContainerFormatAKI  ContainerFormat = "aki"
	ContainerFormatBare ContainerFormat = "bare"
	ContainerFormatOVF  ContainerFormat = "ovf"
)

// ValidDiskFormats lists every recognized DiskFormat value.
var ValidDiskFormats = map[DiskFormat]bool{
	DiskFormatAMI: true, DiskFormatARI: true, DiskFormatAKI: true,
	DiskFormatVHD: true, DiskFormatVMDK: true, DiskFormatRaw: true,
	DiskFormatQCOW2: true, DiskFormatVDI: true, DiskFormatISO: true,
}

// ValidContainerFormats lists every recognized ContainerFormat value.
var ValidContainerFormats = map[ContainerFormat]bool{
	ContainerFormatAMI: true, ContainerFormatARI: true, ContainerFormatAKI: true,
	ContainerFormatBare: true, ContainerFormatOVF: true,
}

// ValidStatuses lists every recognized Status value.
var ValidStatuses = map[Status]bool{
	StatusQueued: true, StatusSaving: true, StatusActive: true,
	StatusKilled: true, StatusPendingDelete: true, StatusDeleted: true,
}

// isThreePart reports whether a format is one of the tightly-coupled
// ami/ari/aki triple, which must always agree between disk and container
// format on the same image.
func isThreePart(v string) bool {
	return v == "ami" || v == "ari" || v == "aki"
}

// FormatsAgree enforces the format-agreement invariant: when either format is one
// of ami/ari/aki, both formats must be equal.
func FormatsAgree(disk DiskFormat, container ContainerFormat) bool {
	if isThreePart(string(disk)) || isThreePart(string(container)) {
		return string(disk) == string(container)
	}
	return true
}

// Image is the central catalog record for a virtual-machine disk image.
type Image struct {
	ID              string
	Name            string
	Status          Status
	DiskFormat      DiskFormat
	ContainerFormat ContainerFormat
	Size            int64
	Checksum        string
	MinDisk         int64
	MinRAM          int64
	Owner           string
	IsPublic        bool
	Protected       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       time.Time
	Deleted         bool

	Properties []*Property
	Tags       []*Tag
	Locations  []*Location
}

// Property is a user-defined key/value pair attached to one image, unique
// by (ImageID, Name). Soft-deleted via Deleted rather than row removal so
// a previously purged name can be resurrected by resubmitting it.
type Property struct {
	ImageID   string
	Name      string
	Value     string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tag is a short string label attached to one image, unique by
// (ImageID, Value).
type Tag struct {
	ImageID   string
	Value     string
	CreatedAt time.Time
}

// LocationStatus tracks whether a location is currently a viable body
// source, so that failed replicas can be skipped without being removed.
type LocationStatus string

const (
	LocationStatusActive  LocationStatus = "active"
	LocationStatusFailed  LocationStatus = "failed"
	LocationStatusDeleted LocationStatus = "deleted"
)

// Location is a URL through which an image body can be fetched, plus a
// small opaque mapping of driver-specific hints. The first Active location
// in the ordered list is the default source.
type Location struct {
	ID        int64
	ImageID   string
	URL       string
	Metadata  map[string]string
	Status    LocationStatus
	CreatedAt time.Time
}

// MembershipStatus is the acceptance state of a Membership grant.
type MembershipStatus string

const (
	MembershipPending  MembershipStatus = "pending"
	MembershipAccepted MembershipStatus = "accepted"
	MembershipRejected MembershipStatus = "rejected"
)

// Membership shares a private image with another tenant. Unique by
// (ImageID, Member, DeletedAt).
type Membership struct {
	ID        int64
	ImageID   string
	Member    string
	CanShare  bool
	Status    MembershipStatus
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// RequestContext is the security principal accompanying every operation.
// Contexts are created per-request by the transport and flow through all
// calls; they are never mutated after construction.
type RequestContext struct {
	AuthToken   string
	UserID      string
	TenantID    string
	Roles       []string
	IsAdmin     bool
	ReadOnly    bool
	ShowDeleted bool
}

// Owner returns the tenant identifier that entities created under this
// context are attributed to. An image's "owner" field holds this value.
func (c RequestContext) Owner() string {
	return c.TenantID
}

// HasRole reports whether the context carries the named role
// (case-sensitive, matching the comma-separated X-Role header contract).
func (c RequestContext) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
