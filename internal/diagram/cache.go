package diagram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// Generated is the product of one generation run.
type Generated struct {
	Code  string
	Title string
	Kind  string
}

// GenerateFunc produces a diagram when the cache has no entry.
type GenerateFunc func(ctx context.Context) (Generated, error)

// Store is the slice of the storage layer the cache needs.
type Store interface {
	ListDiagramsByHash(hash string) ([]storage.DiagramEntry, error)
	SaveDiagram(d storage.DiagramEntry) error
}

// InputHash fingerprints the aggregated text together with the generation
// options. Same text plus same options means the cached diagram is still
// valid.
func InputHash(text string, opts Options) string {
	sum := sha256.Sum256([]byte(text + "\n" + opts.canonical()))
	return hex.EncodeToString(sum[:])
}

// Cache deduplicates diagram generation. An entry is a hit only when its
// message-ID set equals the requested set; the input hash narrows the
// candidates but set equality decides. Entries are immutable: regeneration
// for a changed conversation writes a new entry rather than updating.
type Cache struct {
	store Store
	group singleflight.Group
}

func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// LookupOrGenerate returns the diagram for this message set and options,
// running generate only on a miss. Concurrent calls for the same set and
// input share a single generation. The bool reports whether the entry came
// from the cache.
func (c *Cache) LookupOrGenerate(ctx context.Context, messageIDs []string, text string, opts Options, generate GenerateFunc) (storage.DiagramEntry, bool, error) {
	ids := CanonicalIDs(messageIDs)
	hash := InputHash(text, opts)
	key := strings.Join(ids, ",") + "|" + hash

	type outcome struct {
		entry  storage.DiagramEntry
		cached bool
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		candidates, err := c.store.ListDiagramsByHash(hash)
		if err != nil {
			return nil, fmt.Errorf("looking up cached diagrams: %w", err)
		}
		for _, e := range candidates {
			if sameIDSet(e.MessageIDs, ids) {
				return outcome{entry: e, cached: true}, nil
			}
		}

		gen, err := generate(ctx)
		if err != nil {
			return nil, err
		}

		entry := storage.DiagramEntry{
			ID:            uuid.NewString(),
			InputHash:     hash,
			MessageIDs:    ids,
			GeneratedCode: gen.Code,
			Title:         gen.Title,
			DiagramKind:   gen.Kind,
			GeneratedAt:   time.Now().UTC(),
		}
		if err := c.store.SaveDiagram(entry); err != nil {
			return nil, fmt.Errorf("persisting diagram: %w", err)
		}

		slog.Info("diagram: generated",
			"diagram_id", entry.ID,
			"messages", len(ids),
			"kind", entry.DiagramKind,
		)
		return outcome{entry: entry}, nil
	})
	if err != nil {
		return storage.DiagramEntry{}, false, err
	}

	out := v.(outcome)
	return out.entry, out.cached, nil
}

// CanonicalIDs returns the sorted, deduplicated form of a message-ID list.
// All hashing, persistence, and set comparison run on this form.
func CanonicalIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func sameIDSet(a, b []string) bool {
	return slices.Equal(CanonicalIDs(a), CanonicalIDs(b))
}
