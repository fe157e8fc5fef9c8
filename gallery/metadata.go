// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package gallery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxMetadataSize caps the metadata document read from a remote server.
const maxMetadataSize = 1 << 20

// MetadataFetcher resolves the metadata document at uri.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (*TokenMetadata, error)
}

// TokenURI returns the metadata location of a token.
func TokenURI(baseURI string, id uint64) string {
	return baseURI + strconv.FormatUint(id, 10) + ".json"
}

// HTTPFetcher fetches metadata documents over plain HTTP GET.
type HTTPFetcher struct {
	client  *http.Client
	gateway string
}

// NewHTTPFetcher creates a fetcher. ipfs:// URIs are rewritten onto gateway.
func NewHTTPFetcher(client *http.Client, gateway string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, gateway: gateway}
}

// Resolve maps an ipfs:// URI onto the configured gateway and leaves any
// other URI untouched.
func (f *HTTPFetcher) Resolve(uri string) string {
	if f.gateway == "" || !strings.HasPrefix(uri, "ipfs://") {
		return uri
	}
	path := strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
	return strings.TrimSuffix(f.gateway, "/") + "/" + path
}

type rawAttribute struct {
	TraitType string          `json:"trait_type"`
	Value     json.RawMessage `json:"value"`
}

type rawMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []rawAttribute `json:"attributes"`
}

// Fetch implements MetadataFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (*TokenMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Resolve(uri), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("metadata %s: unexpected status %s", uri, res.Status)
	}
	var raw *rawMetadata
	if err := json.NewDecoder(io.LimitReader(res.Body, maxMetadataSize)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("metadata %s: %w", uri, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("metadata %s: document is not a JSON object", uri)
	}
	meta := &TokenMetadata{
		Name:        raw.Name,
		Description: raw.Description,
		Image:       raw.Image,
		Attributes:  make([]Attribute, 0, len(raw.Attributes)),
	}
	for _, a := range raw.Attributes {
		meta.Attributes = append(meta.Attributes, Attribute{TraitType: a.TraitType, Value: attributeValue(a.Value)})
	}
	return meta, nil
}

// attributeValue flattens a JSON string, number or bool into its text form.
func attributeValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	return v
}

// MetadataCache memoizes token metadata by token id for the lifetime of a
// session. Entries are never evicted and must not be modified by callers.
type MetadataCache struct {
	fetcher     MetadataFetcher
	concurrency int
	timeout     time.Duration
	log         log.Logger

	mu      sync.RWMutex
	entries map[uint64]*TokenMetadata

	inflight singleflight.Group
}

// NewMetadataCache creates an empty cache fetching through fetcher.
func NewMetadataCache(fetcher MetadataFetcher, concurrency int, timeout time.Duration) *MetadataCache {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MetadataCache{
		fetcher:     fetcher,
		concurrency: concurrency,
		timeout:     timeout,
		log:         log.New("module", "gallery/metadata"),
		entries:     make(map[uint64]*TokenMetadata),
	}
}

// EnsureLoaded resolves metadata for every token id in [0, maxSupply) that
// is not cached yet. Each id is fetched at most once; a failed fetch caches
// the placeholder instead. Only cancellation of ctx is reported as an error.
func (c *MetadataCache) EnsureLoaded(ctx context.Context, maxSupply uint64, baseURI string) error {
	if maxSupply == 0 || baseURI == "" {
		return nil
	}
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for id := uint64(0); id < maxSupply; id++ {
		if _, ok := c.Get(id); ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			c.resolve(ctx, id, baseURI)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

func (c *MetadataCache) resolve(ctx context.Context, id uint64, baseURI string) {
	c.inflight.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		if meta, ok := c.Get(id); ok {
			return meta, nil
		}
		fctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		uri := TokenURI(baseURI, id)
		meta, err := c.fetcher.Fetch(fctx, uri)
		if err != nil {
			if ctx.Err() != nil {
				// Abandoned, not failed: leave the slot for a later call.
				return nil, ctx.Err()
			}
			c.log.Warn("Metadata unavailable, using placeholder", "id", id, "uri", uri, "err", err)
			meta = PlaceholderMetadata(id)
		}
		meta.TokenID = id

		c.mu.Lock()
		c.entries[id] = meta
		c.mu.Unlock()
		return meta, nil
	})
}

// Get returns the cached metadata of a token.
func (c *MetadataCache) Get(id uint64) (*TokenMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.entries[id]
	return meta, ok
}

// All returns every cached entry ordered by token id.
func (c *MetadataCache) All() []*TokenMetadata {
	c.mu.RLock()
	out := make([]*TokenMetadata, 0, len(c.entries))
	for _, meta := range c.entries {
		out = append(out, meta)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Len returns the number of cached entries.
func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
