package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// Store holds published flow definitions. Published versions are frozen and
// shared read-only; republishing a flow creates a new version and never
// changes what running sessions see.
type Store struct {
	mu    sync.RWMutex
	flows map[string][]*domain.FlowDefinition // ascending by version

	repo   ports.FlowRepository
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithRepository persists every publish and enables Load.
func WithRepository(repo ports.FlowRepository) Option {
	return func(s *Store) {
		s.repo = repo
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty flow store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		flows:  make(map[string][]*domain.FlowDefinition),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish validates def and stores a frozen copy.
// Version zero takes the next free version; an explicit version must be
// greater than the latest published one.
func (s *Store) Publish(ctx context.Context, def *domain.FlowDefinition) (domain.FlowRef, error) {
	if err := Validate(def); err != nil {
		return domain.FlowRef{}, err
	}
	frozen := def.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.flows[frozen.ID]
	latest := 0
	if len(versions) > 0 {
		latest = versions[len(versions)-1].Version
	}
	switch {
	case frozen.Version == 0:
		frozen.Version = latest + 1
	case frozen.Version <= latest:
		return domain.FlowRef{}, &domain.ValidationError{
			FlowID:   frozen.ID,
			Problems: []string{fmt.Sprintf("version %d is not newer than published version %d", frozen.Version, latest)},
		}
	}
	frozen.PublishedAt = s.now().UTC()

	if s.repo != nil {
		if err := s.repo.SaveFlow(ctx, frozen); err != nil {
			return domain.FlowRef{}, fmt.Errorf("persist flow %s v%d: %w", frozen.ID, frozen.Version, err)
		}
	}
	s.flows[frozen.ID] = append(versions, frozen)

	s.logger.Info("flow published", "flow_id", frozen.ID, "version", frozen.Version, "nodes", len(frozen.Nodes))
	return domain.FlowRef{ID: frozen.ID, Version: frozen.Version}, nil
}

// Get returns a published definition. Version zero selects the latest.
// The returned value is shared and must not be modified.
func (s *Store) Get(_ context.Context, id string, version int) (*domain.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.flows[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("flow %q: %w", id, domain.ErrNotFound)
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
	if i == len(versions) || versions[i].Version != version {
		return nil, fmt.Errorf("flow %q version %d: %w", id, version, domain.ErrNotFound)
	}
	return versions[i], nil
}

// List returns the latest version of every flow, ordered by id.
func (s *Store) List(_ context.Context) []domain.FlowRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]domain.FlowRef, 0, len(s.flows))
	for id, versions := range s.flows {
		refs = append(refs, domain.FlowRef{ID: id, Version: versions[len(versions)-1].Version})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// Versions returns every published version of a flow in ascending order.
func (s *Store) Versions(_ context.Context, id string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.flows[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("flow %q: %w", id, domain.ErrNotFound)
	}
	out := make([]int, len(versions))
	for i, v := range versions {
		out[i] = v.Version
	}
	return out, nil
}

// Load restores previously published flows from the repository.
// Invalid stored definitions are skipped and logged.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	defs, err := s.repo.LoadFlows(ctx)
	if err != nil {
		return 0, fmt.Errorf("load flows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, def := range defs {
		if err := Validate(def); err != nil {
			s.logger.Warn("skipping stored flow", "flow_id", def.ID, "version", def.Version, "err", err)
			continue
		}
		frozen := def.Clone()
		versions := s.flows[frozen.ID]
		i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= frozen.Version })
		if i < len(versions) && versions[i].Version == frozen.Version {
			continue
		}
		versions = append(versions, nil)
		copy(versions[i+1:], versions[i:])
		versions[i] = frozen
		s.flows[frozen.ID] = versions
		loaded++
	}
	return loaded, nil
}
