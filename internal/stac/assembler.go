package stac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/internal/storage"
)

// Synthesized collection defaults.
const (
	DefaultDescription = "Processing results"
	DefaultLicense     = "proprietary"
	DefaultKeyword     = "eoepca"
)

const mediaTypeJSON = "application/json"

// ErrNoCollectionID is returned when Assemble is called without a collection id.
var ErrNoCollectionID = errors.New("stac: collection id is required")

// Provenance describes where result assets are stored. It is injected into
// every asset of a synthesized collection.
type Provenance struct {
	Platform string
	Tier     string
	Region   string
	Endpoint string
}

// ProvenanceFrom derives the provenance of results written with creds.
func ProvenanceFrom(creds storage.CredentialSet, platform, tier string) Provenance {
	return Provenance{
		Platform: platform,
		Tier:     tier,
		Region:   creds.Region,
		Endpoint: creds.Endpoint,
	}
}

func (p Provenance) apply(a *Asset) {
	a.Set("storage:platform", p.Platform)
	a.Set("storage:requester_pays", false)
	a.Set("storage:tier", p.Tier)
	a.Set("storage:region", p.Region)
	a.Set("storage:endpoint", p.Endpoint)
}

// Registrar registers a result collection with an external catalog.
type Registrar interface {
	RegisterJSON(ctx context.Context, collection []byte) error
	RegisterCollection(ctx context.Context, url string) error
}

// Result is the normalized output of one job.
type Result struct {
	Collection *Collection
	Items      []*Item

	// SelfHref is where the collection document lives: the published
	// location, or the source location when the collection was not rewritten.
	SelfHref string

	// Empty is set when the output catalog held neither a collection nor items.
	Empty bool
}

// MarshalJSON encodes the collection document; an empty result is "{}".
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Empty || r.Collection == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Collection)
}

// Assembler turns a workflow output catalog into one result collection.
type Assembler struct {
	rw        ReadWriter
	registrar Registrar
	publish   bool
	logger    *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRegistrar registers every non-empty result through r.
func WithRegistrar(r Registrar) Option {
	return func(a *Assembler) {
		a.registrar = r
	}
}

// WithPublish writes the result collection and its items next to the
// output catalog, under "<catalog dir>/<collection id>/".
func WithPublish(enabled bool) Option {
	return func(a *Assembler) {
		a.publish = enabled
	}
}

// NewAssembler creates an Assembler reading and writing through rw.
func NewAssembler(rw ReadWriter, logger *slog.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		rw:     rw,
		logger: logging.OrDiscard(logger).With("component", "stac"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeCatalogURI adds the s3:// scheme to a bare "bucket/key" location.
// URIs with a scheme and rooted or dot-relative local paths are returned as is.
func NormalizeCatalogURI(uri string) string {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "",
		strings.Contains(uri, "://"),
		strings.HasPrefix(uri, "/"),
		strings.HasPrefix(uri, "."):
		return uri
	}
	return storage.BuildURI(storage.SchemeS3, uri)
}

// Assemble loads the catalog at catalogURI and returns the result collection
// with id collectionID.
//
// A collection found in the catalog (the root, or its first collection child)
// is used as is apart from its id. Otherwise every reachable item is copied
// into a new collection with prov injected into each asset. A catalog with
// neither yields an Empty result and nothing is registered. Registration
// failures are logged and never returned.
func (a *Assembler) Assemble(ctx context.Context, catalogURI, collectionID string, prov Provenance) (*Result, error) {
	if collectionID == "" {
		return nil, ErrNoCollectionID
	}
	uri := NormalizeCatalogURI(catalogURI)
	logger := a.logger.With("catalog", uri, "collection", collectionID)

	t, err := newWalker(a.rw, logger).walk(ctx, uri)
	if err != nil {
		return nil, err
	}

	var res *Result
	switch {
	case t.collection != nil:
		c := t.collection.doc
		if c.ID != collectionID {
			logger.Info("replacing collection id", "original_id", c.ID)
		}
		c.ID = collectionID
		res = &Result{Collection: c, SelfHref: t.collection.uri}
	case len(t.items) > 0:
		res = synthesize(t.items, collectionID, prov)
	default:
		logger.Warn("output catalog has neither a collection nor items")
		return &Result{Empty: true}, nil
	}

	if a.publish {
		if err := a.publishResult(ctx, res, dirOf(uri)+collectionID+"/"); err != nil {
			return nil, err
		}
	} else if res.SelfHref != "" {
		setLink(&res.Collection.Links, RelSelf, res.SelfHref, mediaTypeJSON)
	}

	logger.Info("result collection assembled", "items", len(res.Items), "self", res.SelfHref)
	a.register(ctx, res, logger)
	return res, nil
}

// synthesize builds a collection from items. Item links keep pointing at the
// source documents until the result is published.
func synthesize(items []sourced[*Item], collectionID string, prov Provenance) *Result {
	res := &Result{
		Collection: &Collection{
			Type:        TypeCollection,
			StacVersion: Version,
			ID:          collectionID,
			Title:       DefaultDescription,
			Description: DefaultDescription,
			Keywords:    []string{DefaultKeyword},
			License:     DefaultLicense,
		},
	}

	for _, src := range items {
		it := src.doc
		for _, asset := range it.Assets {
			if asset != nil {
				prov.apply(asset)
			}
		}
		it.AddExtension(StorageExtension)
		it.Collection = collectionID
		removeLinks(&it.Links, RelCollection, RelParent, RelRoot)
		if it.Links == nil {
			it.Links = []Link{}
		}

		res.Items = append(res.Items, it)
		res.Collection.Links = append(res.Collection.Links, Link{Rel: RelItem, Href: src.uri, Type: storage.ContentTypeGeoJSON})
	}
	res.Collection.Extent = itemsExtent(res.Items)
	return res
}

// publishResult writes the items and the collection under dir and rewrites
// their links to the written locations.
func (a *Assembler) publishResult(ctx context.Context, res *Result, dir string) error {
	collURI := dir + "collection.json"

	if len(res.Items) > 0 {
		removeLinks(&res.Collection.Links, RelItem)
	}
	for _, it := range res.Items {
		itemURI := dir + it.ID + ".json"
		setLink(&it.Links, RelSelf, itemURI, storage.ContentTypeGeoJSON)
		setLink(&it.Links, RelCollection, collURI, mediaTypeJSON)
		setLink(&it.Links, RelParent, collURI, mediaTypeJSON)
		setLink(&it.Links, RelRoot, collURI, mediaTypeJSON)
		if err := a.writeDoc(ctx, itemURI, it); err != nil {
			return err
		}
		res.Collection.Links = append(res.Collection.Links, Link{Rel: RelItem, Href: itemURI, Type: storage.ContentTypeGeoJSON})
	}

	setLink(&res.Collection.Links, RelSelf, collURI, mediaTypeJSON)
	setLink(&res.Collection.Links, RelRoot, collURI, mediaTypeJSON)
	removeLinks(&res.Collection.Links, RelParent)
	if err := a.writeDoc(ctx, collURI, res.Collection); err != nil {
		return err
	}
	res.SelfHref = collURI
	return nil
}

func (a *Assembler) writeDoc(ctx context.Context, uri string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", uri, err)
	}
	if err := a.rw.WriteText(ctx, uri, string(data), storage.ContentTypeGeoJSON); err != nil {
		return fmt.Errorf("publish %s: %w", uri, err)
	}
	return nil
}

func (a *Assembler) register(ctx context.Context, res *Result, logger *slog.Logger) {
	if a.registrar == nil {
		return
	}

	doc, err := json.Marshal(res.Collection)
	if err != nil {
		logger.Error("encode collection for registration", "error", err)
		return
	}
	if err := a.registrar.RegisterJSON(ctx, doc); err != nil {
		logger.Error("collection registration failed", "error", err)
	}

	if res.SelfHref == "" {
		logger.Warn("collection has no self link, skipping results registration")
		return
	}
	if err := a.registrar.RegisterCollection(ctx, res.SelfHref); err != nil {
		logger.Error("results registration failed", "url", res.SelfHref, "error", err)
		return
	}
	logger.Info("results registered", "url", res.SelfHref)
}

// setLink replaces every link with rel by a single one pointing at href.
func setLink(links *[]Link, rel, href, typ string) {
	removeLinks(links, rel)
	*links = append(*links, Link{Rel: rel, Href: href, Type: typ})
}

func removeLinks(links *[]Link, rels ...string) {
	kept := (*links)[:0]
	for _, l := range *links {
		drop := false
		for _, r := range rels {
			if l.Rel == r {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, l)
		}
	}
	*links = kept
}

// itemsExtent is the union of the items' bounding boxes and datetimes. Items
// without a bbox fall back to the global box.
func itemsExtent(items []*Item) Extent {
	var bbox []float64
	var start, end time.Time

	for _, it := range items {
		b := it.BBox
		if len(b) == 6 {
			b = []float64{b[0], b[1], b[3], b[4]}
		}
		if len(b) == 4 {
			if bbox == nil {
				bbox = append([]float64(nil), b...)
			} else {
				bbox[0] = min(bbox[0], b[0])
				bbox[1] = min(bbox[1], b[1])
				bbox[2] = max(bbox[2], b[2])
				bbox[3] = max(bbox[3], b[3])
			}
		}

		for _, key := range []string{"datetime", "start_datetime", "end_datetime"} {
			s, _ := it.Properties[key].(string)
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				continue
			}
			if start.IsZero() || ts.Before(start) {
				start = ts
			}
			if end.IsZero() || ts.After(end) {
				end = ts
			}
		}
	}

	if bbox == nil {
		bbox = []float64{-180, -90, 180, 90}
	}
	return Extent{
		Spatial:  SpatialExtent{BBox: [][]float64{bbox}},
		Temporal: TemporalExtent{Interval: [][]*string{{timeString(start), timeString(end)}}},
	}
}

func timeString(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
