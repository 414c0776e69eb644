package stac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/me/zoocwl/internal/storage"
)

// Reader loads the text of a catalog document.
type Reader interface {
	ReadText(ctx context.Context, uri string) (string, error)
}

// Writer stores the text of a catalog document.
type Writer interface {
	WriteText(ctx context.Context, uri, content, contentType string) error
}

// ReadWriter is implemented by storage.Adapter.
type ReadWriter interface {
	Reader
	Writer
}

// maxDepth bounds child-link recursion.
const maxDepth = 16

// sourced pairs a decoded document with the location it was read from.
type sourced[T any] struct {
	doc T
	uri string
}

// walker loads a catalog tree. Each document is read at most once.
type walker struct {
	reader  Reader
	logger  *slog.Logger
	visited map[string]bool
}

func newWalker(r Reader, logger *slog.Logger) *walker {
	return &walker{reader: r, logger: logger, visited: make(map[string]bool)}
}

// load reads uri and returns its raw JSON and STAC type.
func (w *walker) load(ctx context.Context, uri string) ([]byte, string, error) {
	w.visited[uri] = true
	text, err := w.reader.ReadText(ctx, uri)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", uri, err)
	}
	data := []byte(text)
	typ, err := documentType(data)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", uri, err)
	}
	return data, typ, nil
}

// tree is what the walker found under the root document.
type tree struct {
	collection *sourced[*Collection]
	items      []sourced[*Item]
}

// walk loads the root and either finds a collection (the root itself, or the
// first child that is one) or, failing that, collects every reachable item.
func (w *walker) walk(ctx context.Context, rootURI string) (*tree, error) {
	data, typ, err := w.load(ctx, rootURI)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeCollection:
		c, err := decodeCollection(data, rootURI)
		if err != nil {
			return nil, err
		}
		return &tree{collection: &sourced[*Collection]{doc: c, uri: rootURI}}, nil
	case TypeItem:
		it, err := decodeItem(data, rootURI)
		if err != nil {
			return nil, err
		}
		return &tree{items: []sourced[*Item]{{doc: it, uri: rootURI}}}, nil
	case TypeCatalog, "":
	default:
		return nil, fmt.Errorf("parse %s: unsupported STAC type %q", rootURI, typ)
	}

	var root Catalog
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", rootURI, err)
	}
	absolutizeLinks(root.Links, rootURI)

	// Children are decoded once and reused by the item pass.
	children := make(map[string][]byte)
	for _, l := range root.Links {
		if l.Rel != RelChild || w.visited[l.Href] {
			continue
		}
		data, typ, err := w.load(ctx, l.Href)
		if err != nil {
			return nil, err
		}
		if typ == TypeCollection {
			c, err := decodeCollection(data, l.Href)
			if err != nil {
				return nil, err
			}
			w.logger.Debug("collection found", "uri", l.Href, "id", c.ID)
			return &tree{collection: &sourced[*Collection]{doc: c, uri: l.Href}}, nil
		}
		children[l.Href] = data
	}

	t := &tree{}
	if err := w.collectItems(ctx, root.Links, children, t, 0); err != nil {
		return nil, err
	}
	return t, nil
}

// collectItems appends every item reachable from links, depth first in link order.
func (w *walker) collectItems(ctx context.Context, links []Link, preloaded map[string][]byte, t *tree, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("catalog nesting exceeds %d levels", maxDepth)
	}

	for _, l := range links {
		switch l.Rel {
		case RelItem:
			if w.visited[l.Href] {
				continue
			}
			data, _, err := w.load(ctx, l.Href)
			if err != nil {
				return err
			}
			it, err := decodeItem(data, l.Href)
			if err != nil {
				return err
			}
			t.items = append(t.items, sourced[*Item]{doc: it, uri: l.Href})

		case RelChild:
			data, ok := preloaded[l.Href]
			if !ok {
				if w.visited[l.Href] {
					continue
				}
				var err error
				if data, _, err = w.load(ctx, l.Href); err != nil {
					return err
				}
			}
			// Catalogs and collections share the links member.
			var child Catalog
			if err := json.Unmarshal(data, &child); err != nil {
				return fmt.Errorf("parse %s: %w", l.Href, err)
			}
			absolutizeLinks(child.Links, l.Href)
			if err := w.collectItems(ctx, child.Links, nil, t, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeCollection(data []byte, uri string) (*Collection, error) {
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse collection %s: %w", uri, err)
	}
	absolutizeLinks(c.Links, uri)
	for _, a := range c.Assets {
		if a != nil {
			a.Href = resolveHref(uri, a.Href)
		}
	}
	return &c, nil
}

func decodeItem(data []byte, uri string) (*Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parse item %s: %w", uri, err)
	}
	absolutizeLinks(it.Links, uri)
	for _, a := range it.Assets {
		if a != nil {
			a.Href = resolveHref(uri, a.Href)
		}
	}
	return &it, nil
}

func absolutizeLinks(links []Link, base string) {
	for i := range links {
		links[i].Href = resolveHref(base, links[i].Href)
	}
}

// resolveHref resolves href against the document location base. Absolute
// hrefs (with a scheme, or rooted local paths) are returned unchanged.
// Object-store and local locations are joined as plain paths, never escaped;
// only http(s) bases follow URL reference resolution.
func resolveHref(base, href string) string {
	if href == "" || strings.Contains(href, "://") || strings.HasPrefix(href, "/") {
		return href
	}

	scheme, rest := storage.ParseURI(base)
	switch scheme {
	case "":
		joined := filepath.Join(filepath.Dir(rest), href)
		if strings.HasPrefix(rest, "./") && !filepath.IsAbs(joined) && !strings.HasPrefix(joined, "..") {
			joined = "./" + joined
		}
		return joined
	case storage.SchemeHTTP, storage.SchemeHTTPS:
		b, err := url.Parse(base)
		if err != nil {
			return href
		}
		ref, err := url.Parse(href)
		if err != nil {
			return href
		}
		return b.ResolveReference(ref).String()
	case storage.SchemeFile:
		return storage.BuildURI(scheme, filepath.Join(filepath.Dir(rest), href))
	default:
		// scheme://bucket/key: the bucket is the root of the path.
		bucket, key := storage.SplitBucketKey(rest)
		joined := strings.TrimPrefix(path.Join("/", path.Dir("/"+key), href), "/")
		return storage.BuildURI(scheme, bucket+"/"+joined)
	}
}

// dirOf returns uri without its last path element, keeping a trailing slash.
// A bucket-only URI is its own directory.
func dirOf(uri string) string {
	prefix, rest := "", uri
	if scheme, after, ok := strings.Cut(uri, "://"); ok {
		prefix, rest = scheme+"://", after
	}
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		if prefix != "" {
			return uri + "/"
		}
		return ""
	}
	return prefix + rest[:i+1]
}
