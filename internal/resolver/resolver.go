package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
)

// Destination is the slice of the destination adapter the resolver needs.
type Destination interface {
	FindAreaByName(ctx context.Context, name string) (*notion.Page, error)
	ListPeople(ctx context.Context) ([]notion.Page, error)
}

// Cache is the durable resolution cache facet of the state store.
type Cache interface {
	GetCache(ctx context.Context, key string) (string, bool, error)
	PutCacheIfAbsent(ctx context.Context, key, value string) (string, error)
	DeleteCache(ctx context.Context, key string) error
}

// peopleTTL bounds how long the people list is reused before re-querying.
const peopleTTL = 5 * time.Minute

// Resolver turns relation names into destination page ids. Areas are
// looked up but never created; people are fuzzy-matched; project
// materialization is serialized through WithProjectLock. Resolutions are
// cached in-process (write-once per name) and in the durable cache.
type Resolver struct {
	dest  Destination
	cache Cache
	locks *keyedLocks

	mem sync.Map // cache key → page id

	peopleMu  sync.Mutex
	people    []person
	peopleAt  time.Time
}

// New creates a Resolver.
func New(dest Destination, cache Cache) *Resolver {
	return &Resolver{dest: dest, cache: cache, locks: newKeyedLocks()}
}

// Canonical normalizes a relation name: trim, collapse internal
// whitespace, uppercase.
func Canonical(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

func cacheKey(kind, canonical string) string {
	return "resolver/" + kind + "/" + canonical
}

// ResolveArea returns the page id for an area name, or "" when the area
// does not exist in the destination. Missing areas are never created.
func (r *Resolver) ResolveArea(ctx context.Context, name string) (string, error) {
	canonical := Canonical(name)
	if canonical == "" {
		return "", nil
	}
	key := cacheKey("area", canonical)

	if id, ok := r.mem.Load(key); ok {
		return id.(string), nil
	}
	if id, ok, err := r.cache.GetCache(ctx, key); err != nil {
		return "", err
	} else if ok {
		r.mem.Store(key, id)
		return id, nil
	}

	unlock := r.locks.acquire(key)
	defer unlock()

	// A concurrent worker may have resolved the name while we waited.
	if id, ok := r.mem.Load(key); ok {
		return id.(string), nil
	}

	page, err := r.dest.FindAreaByName(ctx, canonical)
	if err != nil {
		return "", fmt.Errorf("resolve area %q: %w", canonical, err)
	}
	if page == nil {
		slog.Warn("area not found in destination, dropping relation", "area", canonical)
		return "", nil
	}

	id, err := r.cache.PutCacheIfAbsent(ctx, key, page.ID)
	if err != nil {
		return "", err
	}
	r.mem.Store(key, id)
	return id, nil
}

// ResolveAreas resolves each area name, dropping misses.
func (r *Resolver) ResolveAreas(ctx context.Context, names []string) ([]string, error) {
	var ids []string
	for _, name := range names {
		id, err := r.ResolveArea(ctx, name)
		if err != nil {
			return nil, err
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ResolvePeople fuzzy-matches person names against the people database.
// Ambiguous or unmatched names are skipped.
func (r *Resolver) ResolvePeople(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	people, err := r.listPeople(ctx)
	if err != nil {
		return nil, err
	}
	if len(people) == 0 {
		return nil, nil
	}

	var ids []string
	seen := make(map[string]bool)
	for _, name := range names {
		id, ok := matchPerson(name, people)
		if !ok {
			slog.Warn("no unambiguous person match, skipping relation", "label", name)
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Resolver) listPeople(ctx context.Context) ([]person, error) {
	r.peopleMu.Lock()
	defer r.peopleMu.Unlock()

	if r.people != nil && time.Since(r.peopleAt) < peopleTTL {
		return r.people, nil
	}

	pages, err := r.dest.ListPeople(ctx)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	people := make([]person, 0, len(pages))
	for _, p := range pages {
		name := p.TitleOf("Name")
		if name == "" {
			continue
		}
		people = append(people, person{ID: p.ID, Name: name})
	}
	r.people = people
	r.peopleAt = time.Now()
	return people, nil
}

// WithProjectLock serializes fn per source project id. Project
// materialization runs inside this lock so at most one destination page is
// created per project across the worker pool. The lock is held across the
// adapter calls on purpose.
func (r *Resolver) WithProjectLock(projectID string, fn func() error) error {
	unlock := r.locks.acquire(cacheKey("project", projectID))
	defer unlock()
	return fn()
}

// GetProjectCache reads the cached destination page id for a project.
func (r *Resolver) GetProjectCache(ctx context.Context, projectID string) (string, bool, error) {
	key := cacheKey("project", projectID)
	if id, ok := r.mem.Load(key); ok {
		return id.(string), true, nil
	}
	id, ok, err := r.cache.GetCache(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	r.mem.Store(key, id)
	return id, true, nil
}

// PutProjectCache records a project resolution, adopting a concurrent
// peer's value when one got there first.
func (r *Resolver) PutProjectCache(ctx context.Context, projectID, pageID string) (string, error) {
	key := cacheKey("project", projectID)
	winner, err := r.cache.PutCacheIfAbsent(ctx, key, pageID)
	if err != nil {
		return "", err
	}
	r.mem.Store(key, winner)
	return winner, nil
}

// InvalidateProject drops a cached project resolution after a conflicting
// write is observed.
func (r *Resolver) InvalidateProject(ctx context.Context, projectID string) error {
	key := cacheKey("project", projectID)
	r.mem.Delete(key)
	return r.cache.DeleteCache(ctx, key)
}
