package services

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"brewlog/internal/models"
	"brewlog/internal/naming"
)

// Display name templates used for brews.
const (
	BrewTemplate    = "brew"
	BaristaTemplate = "barista"
)

// BrewNamer renders brew display names from catalog lookups. Both the agent
// and the server use it; names are for display only.
type BrewNamer struct {
	catalog Catalog
	names   NameResolver
	conn    Connectivity
	logger  *slog.Logger
}

type NamerOption func(*BrewNamer)

// WithNamerConnectivity skips catalog lookups while c reports offline, so
// names fall back at once instead of waiting out retries.
func WithNamerConnectivity(c Connectivity) NamerOption {
	return func(n *BrewNamer) { n.conn = c }
}

// NewBrewNamer builds a namer. catalog may be nil, in which case bag and
// barista names fall back.
func NewBrewNamer(catalog Catalog, names NameResolver, logger *slog.Logger, opts ...NamerOption) *BrewNamer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &BrewNamer{catalog: catalog, names: names, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name is the brew's explicit name, or the brew template rendered from the
// catalog. brewed dates the brew when the payload carries no timestamp.
func (n *BrewNamer) Name(ctx context.Context, p models.BrewPayload, brewed time.Time) string {
	return n.render(ctx, p, brewed, nil)
}

// Batch returns a NameBatch whose names share catalog lookups.
func (n *BrewNamer) Batch() *NameBatch {
	return &NameBatch{namer: n, lookups: make(map[string]lookup)}
}

// NameBatch renders many names with each bag and barista looked up at most
// once. A failed lookup is not repeated within the batch. Use one batch per
// listing; it is safe for concurrent use.
type NameBatch struct {
	namer *BrewNamer

	mu      sync.Mutex
	lookups map[string]lookup
}

type lookup struct {
	value string
	err   error
}

func (b *NameBatch) Name(ctx context.Context, p models.BrewPayload, brewed time.Time) string {
	return b.namer.render(ctx, p, brewed, b)
}

// value returns what the placeholder should carry: a cached name, nothing for
// a cached failure, or a fetch that records its outcome.
func (b *NameBatch) value(f naming.Fetch) any {
	b.mu.Lock()
	l, ok := b.lookups[f.Key]
	b.mu.Unlock()

	if ok {
		if l.err != nil {
			return nil
		}
		return l.value
	}

	do := f.Do
	f.Do = func(ctx context.Context) (string, error) {
		v, err := do(ctx)
		b.mu.Lock()
		// Learning: a later success overwrites an earlier failed attempt
		b.lookups[f.Key] = lookup{value: v, err: err}
		b.mu.Unlock()
		return v, err
	}
	return f
}

func (n *BrewNamer) render(ctx context.Context, p models.BrewPayload, brewed time.Time, batch *NameBatch) string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	if n.names == nil {
		return ""
	}

	if p.Timestamp != nil {
		brewed = *p.Timestamp
	}

	src := naming.Fields{"brewDate": brewed}
	if n.catalog != nil && (n.conn == nil || n.conn.IsOnline()) {
		bag, barista := n.bagName(p.BagID), n.baristaName(p.BaristaID)
		if batch != nil {
			src["bagName"], src["baristaName"] = batch.value(bag), batch.value(barista)
		} else {
			src["bagName"], src["baristaName"] = bag, barista
		}
	}

	name, err := n.names.Resolve(ctx, BrewTemplate, src)
	if err != nil {
		n.logger.Error("display name template missing", "template", BrewTemplate, "error", err)
		return ""
	}
	return name
}
func (n *BrewNamer) bagName(id int64) naming.Fetch {
	return naming.Fetch{
		Key: "bag:" + strconv.FormatInt(id, 10),
		Do: func(ctx context.Context) (string, error) {
			bag, err := n.catalog.GetBag(ctx, id)
			if err != nil {
				return "", err
			}
			if bag.Name == "" && bag.Bean != nil {
				return bag.Bean.Name, nil
			}
			return bag.Name, nil
		},
	}
}

func (n *BrewNamer) baristaName(id int64) naming.Fetch {
	return naming.Fetch{
		Key: "barista:" + strconv.FormatInt(id, 10),
		Do: func(ctx context.Context) (string, error) {
			b, err := n.catalog.GetBarista(ctx, id)
			if err != nil {
				return "", err
			}
			if name := b.PreferredName(); name != "" {
				return name, nil
			}
			return n.names.Resolve(ctx, BaristaTemplate, naming.Fields{
				"firstName": b.FirstName,
				"lastName":  b.LastName,
			})
		},
	}
}
