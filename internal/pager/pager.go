package pager

import (
	"context"
	"errors"
	"sync"

	"github.com/chirino/notesync/internal/metrics"
	"github.com/chirino/notesync/internal/model"
	registrystore "github.com/chirino/notesync/internal/registry/store"
)

// ErrFetchInFlight is returned when a fetch arrives while one is already
// running for the same filter key. Such requests are dropped, not queued.
var ErrFetchInFlight = errors.New("pager: fetch already in flight for this filter key")

// FilterKey identifies one filtered note view. Group is a real group id, a
// virtual category (all/pinned/locked), or empty for the unfiltered view.
// A cursor is valid only for the key it was produced under.
type FilterKey struct {
	Group   string
	Keyword string
}

// Filter maps the key onto the store's query filter.
func (k FilterKey) Filter() registrystore.NoteFilter {
	f := registrystore.NoteFilter{Keyword: k.Keyword}
	switch k.Group {
	case "", model.VirtualAll:
	case model.VirtualPinned:
		t := true
		f.Pinned = &t
	case model.VirtualLocked:
		t := true
		f.Locked = &t
	default:
		g := k.Group
		f.GroupID = &g
	}
	return f
}

// Page is one fetched page, tagged with the filter key it was requested
// under so callers can discard stale results after a key switch.
type Page struct {
	Key     FilterKey
	Notes   []model.Note
	HasMore bool
}

type cursorState struct {
	cursor   *string
	hasMore  bool
	inFlight bool
}

// Pager tracks, per filter key, an opaque cursor plus a has-more flag and
// composes the next page request. At most one fetch per key is outstanding.
// A cursor survives only consecutive requests for the same key: switching
// keys invalidates the new key's stored cursor, so coming back to a filter
// always restarts from the top.
type Pager struct {
	store   registrystore.RemoteStore
	ownerID string

	mu       sync.Mutex
	states   map[FilterKey]*cursorState
	lastKey  FilterKey
	haveLast bool
}

// New returns a Pager querying the given store for one owner.
func New(store registrystore.RemoteStore, ownerID string) *Pager {
	return &Pager{
		store:   store,
		ownerID: ownerID,
		states:  map[FilterKey]*cursorState{},
	}
}

// FetchPage fetches the next page for key. When reset is true, or key
// differs from the previous request's key, the stored cursor for key is
// discarded and the query starts from the beginning.
// HasMore is derived as len(items) >= pageSize; this is a heuristic that
// reports a false positive when the final page is exactly pageSize long.
// On query failure the stored cursor and has-more flag are left unchanged
// so the same page can be retried.
func (p *Pager) FetchPage(ctx context.Context, key FilterKey, pageSize int, reset bool) (*Page, error) {
	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		st = &cursorState{hasMore: true}
		p.states[key] = st
	}
	if st.inFlight {
		p.mu.Unlock()
		if metrics.FetchesDroppedTotal != nil {
			metrics.FetchesDroppedTotal.Inc()
		}
		return nil, ErrFetchInFlight
	}
	if !p.haveLast || key != p.lastKey {
		reset = true
	}
	p.lastKey = key
	p.haveLast = true
	if reset {
		st.cursor = nil
		st.hasMore = true
	}
	cursor := st.cursor
	st.inFlight = true
	p.mu.Unlock()

	page, err := p.store.QueryNotes(ctx, p.ownerID, key.Filter(), pageSize, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	st.inFlight = false
	if err != nil {
		return nil, &registrystore.QueryError{Op: "notes", Err: err}
	}
	st.hasMore = len(page.Notes) >= pageSize
	if page.NextCursor != nil {
		st.cursor = page.NextCursor
	}
	return &Page{Key: key, Notes: page.Notes, HasMore: st.hasMore}, nil
}

// HasMore reports whether more pages may exist for key. Unknown keys report
// true: the first fetch decides.
func (p *Pager) HasMore(key FilterKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	if !ok {
		return true
	}
	return st.hasMore
}

// Reset discards the stored cursor for key.
func (p *Pager) Reset(key FilterKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, key)
}

// GroupPager pages the groups collection. Groups have a single unfiltered
// view, so one cursor suffices.
type GroupPager struct {
	store   registrystore.RemoteStore
	ownerID string

	mu       sync.Mutex
	cursor   *string
	hasMore  bool
	inFlight bool
}

// NewGroupPager returns a GroupPager for one owner.
func NewGroupPager(store registrystore.RemoteStore, ownerID string) *GroupPager {
	return &GroupPager{store: store, ownerID: ownerID, hasMore: true}
}

// FetchPage fetches the next page of groups.
func (p *GroupPager) FetchPage(ctx context.Context, pageSize int, reset bool) ([]model.Group, bool, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		if metrics.FetchesDroppedTotal != nil {
			metrics.FetchesDroppedTotal.Inc()
		}
		return nil, false, ErrFetchInFlight
	}
	if reset {
		p.cursor = nil
		p.hasMore = true
	}
	cursor := p.cursor
	p.inFlight = true
	p.mu.Unlock()

	page, err := p.store.QueryGroups(ctx, p.ownerID, pageSize, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		return nil, p.hasMore, &registrystore.QueryError{Op: "groups", Err: err}
	}
	p.hasMore = len(page.Groups) >= pageSize
	if page.NextCursor != nil {
		p.cursor = page.NextCursor
	}
	return page.Groups, p.hasMore, nil
}
