package ckan

// Resource is a catalogued data file with its format, URL, and hash
// metadata.
type Resource struct {
	ID            string `json:"id"`
	PackageID     string `json:"package_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	URLType       string `json:"url_type,omitempty"`
	Format        string `json:"format"`
	Hash          string `json:"hash,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	Mimetype      string `json:"mimetype,omitempty"`
	MimetypeInner string `json:"mimetype_inner,omitempty"`

	DatastoreActive  bool `json:"datastore_active,omitempty"`
	TotalRecordCount int  `json:"total_record_count,omitempty"`
	Preview          bool `json:"preview,omitempty"`
	PreviewRows      int  `json:"preview_rows,omitempty"`
	PartialDownload  bool `json:"partial_download,omitempty"`

	SummaryStatistics bool   `json:"summary_statistics,omitempty"`
	SummaryOfResource string `json:"summary_of_resource,omitempty"`

	// SpatialExtent carries the bounding box of a simplified spatial
	// resource.
	SpatialExtent *SpatialExtent `json:"dpp_spatial_extent,omitempty"`
}

// SpatialExtent is a bounding-box annotation on a spatial resource.
type SpatialExtent struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// Organization is the owning organization of a package.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Package is a catalog dataset grouping resources.
type Package struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Organization *Organization  `json:"organization,omitempty"`
	Resources    []Resource     `json:"resources,omitempty"`
	Suggestions  map[string]any `json:"dpp_suggestions,omitempty"`
}

// FieldInfo is user-maintained column metadata from the data
// dictionary: display label, notes, and an optional type override that
// takes precedence over freshly inferred types.
type FieldInfo struct {
	Label        string `json:"label,omitempty"`
	Notes        string `json:"notes,omitempty"`
	TypeOverride string `json:"type_override,omitempty"`
}

// Field is one column of a datastore table schema.
type Field struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Info *FieldInfo `json:"info,omitempty"`
}

// DatastoreCreateRequest registers (or re-registers) a table with the
// datastore. Either ResourceID or Resource must be set.
type DatastoreCreateRequest struct {
	ResourceID           string    `json:"resource_id,omitempty"`
	Resource             *Resource `json:"resource,omitempty"`
	Fields               []Field   `json:"fields,omitempty"`
	Aliases              []string  `json:"aliases,omitempty"`
	CalculateRecordCount bool      `json:"calculate_record_count"`
	Force                bool      `json:"force"`
}

// FrequencyEntry is one value of a column's top-N frequency table.
type FrequencyEntry struct {
	Value      string `json:"value"`
	Count      string `json:"count"`
	Percentage string `json:"percentage"`
}
