// Package stac reads a workflow's output catalog and turns it into the single
// result collection the handler publishes and registers.
package stac

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the STAC version written on synthesized documents.
const Version = "1.0.0"

// StorageExtension is the schema URL of the STAC storage extension.
const StorageExtension = "https://stac-extensions.github.io/storage/v1.0.0/schema.json"

// Document types.
const (
	TypeCatalog    = "Catalog"
	TypeCollection = "Collection"
	TypeItem       = "Feature"
)

// Link relation types the assembler reads or writes.
const (
	RelSelf       = "self"
	RelRoot       = "root"
	RelParent     = "parent"
	RelChild      = "child"
	RelItem       = "item"
	RelCollection = "collection"
)

// Link is a STAC link object.
type Link struct {
	Rel   string         `json:"rel"`
	Href  string         `json:"href"`
	Type  string         `json:"type,omitempty"`
	Title string         `json:"title,omitempty"`
	Extra map[string]any `json:"-"`
}

var linkFields = fieldSet("rel", "href", "type", "title")

func (l Link) MarshalJSON() ([]byte, error) {
	type plain Link
	return marshalWithExtra(plain(l), l.Extra)
}

func (l *Link) UnmarshalJSON(data []byte) error {
	type plain Link
	var p plain
	extra, err := unmarshalWithExtra(data, &p, linkFields)
	if err != nil {
		return err
	}
	*l = Link(p)
	l.Extra = extra
	return nil
}

// Asset is a named file reference on an item or collection.
type Asset struct {
	Href        string         `json:"href"`
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Extra       map[string]any `json:"-"`
}

var assetFields = fieldSet("href", "type", "title", "description", "roles")

func (a Asset) MarshalJSON() ([]byte, error) {
	type plain Asset
	return marshalWithExtra(plain(a), a.Extra)
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	type plain Asset
	var p plain
	extra, err := unmarshalWithExtra(data, &p, assetFields)
	if err != nil {
		return err
	}
	*a = Asset(p)
	a.Extra = extra
	return nil
}

// Set stores an extension field such as "storage:region" on the asset.
func (a *Asset) Set(key string, value any) {
	if a.Extra == nil {
		a.Extra = make(map[string]any)
	}
	a.Extra[key] = value
}

// Catalog is a STAC catalog.
type Catalog struct {
	Type           string         `json:"type"`
	StacVersion    string         `json:"stac_version"`
	StacExtensions []string       `json:"stac_extensions,omitempty"`
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description"`
	Links          []Link         `json:"links"`
	Extra          map[string]any `json:"-"`
}

var catalogFields = fieldSet("type", "stac_version", "stac_extensions", "id", "title", "description", "links")

func (c Catalog) MarshalJSON() ([]byte, error) {
	type plain Catalog
	return marshalWithExtra(plain(c), c.Extra)
}

func (c *Catalog) UnmarshalJSON(data []byte) error {
	type plain Catalog
	var p plain
	extra, err := unmarshalWithExtra(data, &p, catalogFields)
	if err != nil {
		return err
	}
	*c = Catalog(p)
	c.Extra = extra
	return nil
}

// Extent is a collection's spatial and temporal coverage.
type Extent struct {
	Spatial  SpatialExtent  `json:"spatial"`
	Temporal TemporalExtent `json:"temporal"`
}

// SpatialExtent holds one or more bounding boxes; the first is the overall box.
type SpatialExtent struct {
	BBox [][]float64 `json:"bbox"`
}

// TemporalExtent holds RFC 3339 intervals; a nil bound is open.
type TemporalExtent struct {
	Interval [][]*string `json:"interval"`
}

// Collection is a STAC collection.
type Collection struct {
	Type           string            `json:"type"`
	StacVersion    string            `json:"stac_version"`
	StacExtensions []string          `json:"stac_extensions,omitempty"`
	ID             string            `json:"id"`
	Title          string            `json:"title,omitempty"`
	Description    string            `json:"description"`
	Keywords       []string          `json:"keywords,omitempty"`
	License        string            `json:"license"`
	Extent         Extent            `json:"extent"`
	Links          []Link            `json:"links"`
	Assets         map[string]*Asset `json:"assets,omitempty"`
	Extra          map[string]any    `json:"-"`
}

var collectionFields = fieldSet("type", "stac_version", "stac_extensions", "id", "title", "description",
	"keywords", "license", "extent", "links", "assets")

func (c Collection) MarshalJSON() ([]byte, error) {
	type plain Collection
	return marshalWithExtra(plain(c), c.Extra)
}

func (c *Collection) UnmarshalJSON(data []byte) error {
	type plain Collection
	var p plain
	extra, err := unmarshalWithExtra(data, &p, collectionFields)
	if err != nil {
		return err
	}
	*c = Collection(p)
	c.Extra = extra
	return nil
}

// Item is a STAC item (a GeoJSON Feature).
type Item struct {
	Type           string            `json:"type"`
	StacVersion    string            `json:"stac_version"`
	StacExtensions []string          `json:"stac_extensions,omitempty"`
	ID             string            `json:"id"`
	Geometry       json.RawMessage   `json:"geometry"`
	BBox           []float64         `json:"bbox,omitempty"`
	Properties     map[string]any    `json:"properties"`
	Links          []Link            `json:"links"`
	Assets         map[string]*Asset `json:"assets"`
	Collection     string            `json:"collection,omitempty"`
	Extra          map[string]any    `json:"-"`
}

var itemFields = fieldSet("type", "stac_version", "stac_extensions", "id", "geometry", "bbox",
	"properties", "links", "assets", "collection")

func (i Item) MarshalJSON() ([]byte, error) {
	type plain Item
	if i.Geometry == nil {
		i.Geometry = json.RawMessage("null")
	}
	return marshalWithExtra(plain(i), i.Extra)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var p plain
	extra, err := unmarshalWithExtra(data, &p, itemFields)
	if err != nil {
		return err
	}
	*i = Item(p)
	i.Extra = extra
	return nil
}

// AddExtension appends url to the item's stac_extensions unless present.
func (i *Item) AddExtension(url string) {
	for _, e := range i.StacExtensions {
		if e == url {
			return
		}
	}
	i.StacExtensions = append(i.StacExtensions, url)
}

// documentType reads only the "type" member of a STAC document.
func documentType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

func fieldSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// unmarshalWithExtra decodes data into v and returns the members v does not
// declare. Numbers are kept as json.Number so they re-encode unchanged.
func unmarshalWithExtra(data []byte, v any, known map[string]bool) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return nil, err
	}

	var all map[string]any
	dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&all); err != nil {
		return nil, err
	}
	for k := range all {
		if known[k] {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// marshalWithExtra encodes v and merges extra members into the object.
// Declared fields win over extras with the same name.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, x := range extra {
		if _, ok := merged[k]; ok {
			continue
		}
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}
