package proc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agnivade/levenshtein"
	"github.com/leeineian/hibiki/sys"
)

// providerCallTimeout bounds a single outbound search or fetch call.
const providerCallTimeout = 10 * time.Second

// Candidate is one search hit from a catalog provider.
type Candidate struct {
	BackendID  string
	Title      string
	Artists    []string
	Collection string
}

// SearchProvider queries a catalog for candidates matching a free-text query.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// BackendProvider turns a backend id into playable stream details. It returns
// ErrResourceGone when the id is valid but the resource no longer exists.
type BackendProvider interface {
	Fetch(ctx context.Context, backendID string) (*ResolvedBackend, error)
}

// RedirectStore is the persisted source-id to backend-id cache.
type RedirectStore interface {
	Lookup(ctx context.Context, trackID string) (*sys.TrackRedirect, error)
	Touch(ctx context.Context, trackID string) error
	Invalidate(ctx context.Context, trackID string) error
	Insert(ctx context.Context, trackID, kind, backendID string) error

	// WritesFrozen reports whether a maintenance lock currently forbids
	// cache writes. Consulted on every write attempt, never cached.
	WritesFrozen(ctx context.Context) (bool, error)
}

// DBRedirectStore backs RedirectStore with the sqlite layer.
type DBRedirectStore struct{}

func (DBRedirectStore) Lookup(ctx context.Context, trackID string) (*sys.TrackRedirect, error) {
	return sys.GetRedirect(ctx, trackID)
}

func (DBRedirectStore) Touch(ctx context.Context, trackID string) error {
	return sys.TouchRedirect(ctx, trackID)
}

func (DBRedirectStore) Invalidate(ctx context.Context, trackID string) error {
	return sys.InvalidateRedirect(ctx, trackID)
}

func (DBRedirectStore) Insert(ctx context.Context, trackID, kind, backendID string) error {
	return sys.InsertRedirect(ctx, trackID, kind, backendID)
}

func (DBRedirectStore) WritesFrozen(ctx context.Context) (bool, error) {
	count, err := sys.CountResolutionLocks(ctx)
	return count > 0, err
}

// Resolver maps a TrackRef to a playable backend: redirect cache first, then
// catalog search with fuzzy candidate scoring. All outbound provider calls
// share one rate limiter.
type Resolver struct {
	store     RedirectStore
	searchers []SearchProvider
	backends  BackendProvider
	limiter   *rate.Limiter

	keys keyedMutex
}

func NewResolver(store RedirectStore, searchers []SearchProvider, backends BackendProvider) *Resolver {
	return &Resolver{
		store:     store,
		searchers: searchers,
		backends:  backends,
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		keys:      newKeyedMutex(),
	}
}

// Resolve finds the backend for ref. It returns (nil, nil) when resolution
// finished cleanly but nothing matched; the caller maps that to ErrNoMatches.
func (r *Resolver) Resolve(ctx context.Context, ref TrackRef) (*ResolvedBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Free-text queries have no stable identity, so the cache cannot hold
	// them. Everything else is serialized per track id: only one goroutine
	// populates a given cache slot at a time.
	cacheable := ref.ID != "" && ref.Kind != TrackKindQuery
	if cacheable {
		r.keys.lock(ref.ID)
		defer r.keys.unlock(ref.ID)

		if backend, ok := r.fromCache(ctx, ref); ok {
			return backend, nil
		}
	}

	backend, err := r.search(ctx, ref)
	if err != nil || backend == nil {
		return nil, err
	}

	if cacheable {
		r.writeCache(ctx, ref, backend.ID)
	}
	return backend, nil
}

// fromCache attempts the redirect cache. The second return is false when the
// caller has to fall through to a full search.
func (r *Resolver) fromCache(ctx context.Context, ref TrackRef) (*ResolvedBackend, bool) {
	redirect, err := r.store.Lookup(ctx, ref.ID)
	if err != nil {
		sys.LogError("Redirect lookup failed for %s: %v", ref.ID, err)
		return nil, false
	}
	if redirect == nil || redirect.BackendID == "" {
		return nil, false
	}

	sys.LogResolver(sys.MsgResolverCacheHit, ref.ID)

	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	backend, err := r.backends.Fetch(callCtx, redirect.BackendID)
	if err == nil {
		// Only a hit that actually served gets its last_used stamped.
		if terr := r.store.Touch(ctx, ref.ID); terr != nil {
			sys.LogError("Redirect touch failed for %s: %v", ref.ID, terr)
		}
		return backend, true
	}

	if isGone(err) {
		sys.LogResolver(sys.MsgResolverCacheStale, ref.ID)
		// Invalidation must not delay the fresh search happening now.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if frozen, err := r.store.WritesFrozen(ctx); err != nil || frozen {
				return
			}
			if err := r.store.Invalidate(ctx, ref.ID); err != nil {
				sys.LogError("Redirect invalidation failed for %s: %v", ref.ID, err)
			}
		}()
	} else {
		sys.LogError("Backend fetch failed for %s: %v", redirect.BackendID, err)
	}
	return nil, false
}

func (r *Resolver) writeCache(ctx context.Context, ref TrackRef, backendID string) {
	frozen, err := r.store.WritesFrozen(ctx)
	if err != nil {
		sys.LogError("Resolution lock check failed: %v", err)
		return
	}
	if frozen {
		sys.LogResolver(sys.MsgResolverWritesFrozen, ref.ID)
		return
	}
	if err := r.store.Insert(ctx, ref.ID, string(ref.Kind), backendID); err != nil {
		sys.LogError("Redirect insert failed for %s: %v", ref.ID, err)
	}
}

// search runs the query variants in order against every provider and fetches
// the best-scoring candidate. Provider failures count as empty result sets.
func (r *Resolver) search(ctx context.Context, ref TrackRef) (*ResolvedBackend, error) {
	for _, query := range queryVariants(ref) {
		sys.LogResolver(sys.MsgResolverSearching, query)

		candidates := r.collect(ctx, query)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		best, score := pickCandidate(ref, candidates)
		sys.LogResolver(sys.MsgResolverSelected, best.Title, score, query)

		callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
		backend, err := r.backends.Fetch(callCtx, best.BackendID)
		cancel()
		if err != nil {
			if isGone(err) {
				continue
			}
			return nil, fmt.Errorf("fetching %s: %w", best.BackendID, err)
		}
		return backend, nil
	}

	sys.LogResolver(sys.MsgResolverNoCandidates, ref.Title)
	return nil, nil
}

// collect queries all providers in parallel and flattens the hits in stable
// provider order, so equal scores break deterministically toward the
// earlier-listed provider.
func (r *Resolver) collect(ctx context.Context, query string) []Candidate {
	results := make([][]Candidate, len(r.searchers))
	var wg sync.WaitGroup

	for i, searcher := range r.searchers {
		wg.Add(1)
		go func(i int, p SearchProvider) {
			defer wg.Done()

			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
			defer cancel()

			hits, err := p.Search(callCtx, query)
			if err != nil {
				sys.LogResolver(sys.MsgResolverProviderError, p.Name(), query, err)
				return
			}
			results[i] = hits
		}(i, searcher)
	}
	wg.Wait()

	var out []Candidate
	for _, hits := range results {
		out = append(out, hits...)
	}
	return out
}

func isGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrResourceGone) || strings.Contains(err.Error(), "gone") ||
		strings.Contains(err.Error(), "not available") || strings.Contains(err.Error(), "removed")
}

// --- Query variants ---

var bracketBlockRegex = regexp.MustCompile(`[\(\[\{].*?[\)\]\}]`)

// queryVariants builds the search queries for a ref, most specific first:
// the full title, the title with bracketed blocks removed, and the title cut
// at the first hyphen. Duplicates collapse.
func queryVariants(ref TrackRef) []string {
	artists := strings.Join(ref.Artists, " ")

	titles := []string{ref.Title}

	stripped := strings.TrimSpace(bracketBlockRegex.ReplaceAllString(ref.Title, ""))
	if stripped != "" {
		titles = append(titles, stripped)
	}

	if idx := strings.Index(ref.Title, " - "); idx > 0 {
		titles = append(titles, strings.TrimSpace(ref.Title[:idx]))
	}

	var out []string
	seen := make(map[string]struct{})
	for _, title := range titles {
		query := strings.TrimSpace(title + " " + artists)
		if query == "" {
			continue
		}
		if _, ok := seen[query]; ok {
			continue
		}
		seen[query] = struct{}{}
		out = append(out, query)
	}
	return out
}

// --- Scoring ---

// pickCandidate returns the candidate with the lowest edit-distance score.
// Ties keep the first-seen candidate, which is deterministic because collect
// flattens in provider order.
func pickCandidate(ref TrackRef, candidates []Candidate) (Candidate, int) {
	best := candidates[0]
	bestScore := scoreCandidate(ref, best)
	for _, c := range candidates[1:] {
		if score := scoreCandidate(ref, c); score < bestScore {
			best = c
			bestScore = score
		}
	}
	return best, bestScore
}

// scoreCandidate sums the title distance, the closest artist pair distance
// and the collection distance. Lower is better; zero is an exact match.
func scoreCandidate(ref TrackRef, c Candidate) int {
	score := levenshtein.ComputeDistance(normalize(ref.Title), normalize(c.Title))

	if len(ref.Artists) > 0 && len(c.Artists) > 0 {
		bestArtist := -1
		for _, want := range ref.Artists {
			for _, have := range c.Artists {
				d := levenshtein.ComputeDistance(normalize(want), normalize(have))
				if bestArtist < 0 || d < bestArtist {
					bestArtist = d
				}
			}
		}
		score += bestArtist
	}

	if ref.Collection != "" && c.Collection != "" {
		score += levenshtein.ComputeDistance(normalize(ref.Collection), normalize(c.Collection))
	}
	return score
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// --- Per-key mutex ---

// keyedMutex serializes work per string key. Idle keys hold no memory.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{keys: make(map[string]*keySlot)}
}

func (km *keyedMutex) lock(key string) {
	km.mu.Lock()
	slot := km.keys[key]
	if slot == nil {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		km.keys[key] = slot
	}
	slot.refs++
	km.mu.Unlock()

	slot.ch <- struct{}{}
}

func (km *keyedMutex) unlock(key string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	slot := km.keys[key]
	<-slot.ch
	slot.refs--
	if slot.refs == 0 {
		delete(km.keys, key)
	}
}
