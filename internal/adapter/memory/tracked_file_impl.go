// Package memory holds in-process implementations of the repository ports. They keep the
// same compare-and-swap semantics as the postgres adapter and back unit tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

// TrackedFileStore is a mutex-guarded Status Store.
type TrackedFileStore struct {
	mu     sync.Mutex
	nextID int64
	files  map[int64]*entity.TrackedFile
	byURL  map[string]int64
	now    func() time.Time
}

// NewTrackedFileStore creates an empty store using the wall clock.
func NewTrackedFileStore() *TrackedFileStore {
	return NewTrackedFileStoreWithClock(time.Now)
}

// NewTrackedFileStoreWithClock creates an empty store that reads time from now.
func NewTrackedFileStoreWithClock(now func() time.Time) *TrackedFileStore {
	return &TrackedFileStore{
		files: make(map[int64]*entity.TrackedFile),
		byURL: make(map[string]int64),
		now:   now,
	}
}

var _ repository.TrackedFileRepository = (*TrackedFileStore)(nil)

func (s *TrackedFileStore) UpsertDiscovered(_ context.Context, d *entity.DiscoveredFile) (*entity.TrackedFile, entity.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.byURL[d.FileURL]; ok {
		f := s.files[id]
		applyDiscovery(f, d)
		f.UpdatedAt = now
		return f.Clone(), entity.UpsertRefreshed, nil
	}

	s.nextID++
	f := &entity.TrackedFile{
		ID:        s.nextID,
		FileURL:   d.FileURL,
		Status:    entity.StatusDiscovered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyDiscovery(f, d)
	s.files[f.ID] = f
	s.byURL[f.FileURL] = f.ID
	return f.Clone(), entity.UpsertInserted, nil
}

func applyDiscovery(f *entity.TrackedFile, d *entity.DiscoveredFile) {
	f.FileName = d.FileName
	f.FileType = d.FileType
	f.Category = d.Category
	f.LegislativePeriod = d.LegislativePeriod
	f.SubSeries = d.SubSeries
	f.Session = d.Session
	f.Number = d.Number
	f.SourcePageURL = d.SourcePageURL
	f.AnchorText = d.AnchorText
	f.URLPattern = d.URLPattern
}

func (s *TrackedFileStore) ClaimBatch(_ context.Context, req entity.ClaimRequest) ([]*entity.TrackedFile, error) {
	if err := validate(req.From, req.To, req.Manual); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	filter := entity.FileFilter{
		Statuses:   []entity.Status{req.From},
		Categories: req.Categories,
		FileTypes:  req.FileTypes,
	}
	var claimed []*entity.TrackedFile
	for _, id := range s.sortedIDs() {
		f := s.files[id]
		if !filter.Matches(f) {
			continue
		}
		if f.RetryAt != nil && f.RetryAt.After(now) {
			continue
		}
		f.Status = req.To
		started := now
		f.ProcessingStartedAt = &started
		f.UpdatedAt = now
		claimed = append(claimed, f.Clone())
		if len(claimed) == req.Limit {
			break
		}
	}
	return claimed, nil
}

func (s *TrackedFileStore) Transition(_ context.Context, id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	if err := entity.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	return s.swap(id, from, to, apply)
}

func (s *TrackedFileStore) ManualTransition(_ context.Context, id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	if err := entity.ValidateManualTransition(from, to); err != nil {
		return nil, err
	}
	return s.swap(id, from, to, apply)
}

func (s *TrackedFileStore) Update(_ context.Context, id int64, status entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	return s.swap(id, status, status, apply)
}

func (s *TrackedFileStore) swap(id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.files[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	if cur.Status != from {
		return nil, &entity.StaleStateError{ID: id, Expected: from, Actual: cur.Status}
	}

	next := cur.Clone()
	if apply != nil {
		apply(next)
	}
	next.ID = id
	next.Status = to
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()

	if next.FileURL != cur.FileURL {
		if _, taken := s.byURL[next.FileURL]; taken {
			return nil, entity.ErrDuplicateURL
		}
		delete(s.byURL, cur.FileURL)
		s.byURL[next.FileURL] = id
	}
	s.files[id] = next
	return next.Clone(), nil
}

func (s *TrackedFileStore) Get(_ context.Context, id int64) (*entity.TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return f.Clone(), nil
}

func (s *TrackedFileStore) GetByURL(_ context.Context, fileURL string) (*entity.TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[fileURL]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return s.files[id].Clone(), nil
}

func (s *TrackedFileStore) Query(_ context.Context, filter entity.FileFilter) ([]*entity.TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.TrackedFile
	skipped := 0
	for _, id := range s.sortedIDs() {
		f := s.files[id]
		if !filter.Matches(f) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, f.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *TrackedFileStore) Stats(_ context.Context, filter entity.FileFilter) ([]entity.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		category string
		status   entity.Status
	}
	counts := make(map[key]int64)
	for _, f := range s.files {
		if filter.Matches(f) {
			counts[key{f.Category, f.Status}]++
		}
	}
	out := make([]entity.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, entity.StatusCount{Category: k.category, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (s *TrackedFileStore) CountNonTerminal(_ context.Context, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.files {
		if f.Category == category && !f.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *TrackedFileStore) ReleaseStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, f := range s.files {
		if f.ProcessingStartedAt == nil || !f.ProcessingStartedAt.Before(olderThan) {
			continue
		}
		switch f.Status {
		case entity.StatusDownloading:
			f.Status = entity.StatusDiscovered
		case entity.StatusProcessing:
			f.Status = entity.StatusPending
		default:
			continue
		}
		f.ProcessingStartedAt = nil
		f.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *TrackedFileStore) Reset(_ context.Context, filter entity.FileFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, f := range s.files {
		if !filter.Matches(f) {
			continue
		}
		f.ResetLifecycle()
		f.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *TrackedFileStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func validate(from, to entity.Status, manual bool) error {
	if manual {
		return entity.ValidateManualTransition(from, to)
	}
	return entity.ValidateTransition(from, to)
}
