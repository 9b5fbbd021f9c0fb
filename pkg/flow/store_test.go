package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greeting() *domain.FlowDefinition {
	return &domain.FlowDefinition{
		ID:           "greeting",
		StartNode:    "greet",
		FallbackNode: "failed",
		Nodes: []domain.Node{
			{ID: "greet", Kind: domain.KindPrompt, Prompt: "Hello", Transitions: []domain.Transition{{Guard: "default", Target: "ask"}}},
			{ID: "ask", Kind: domain.KindCollect, Prompt: "Name?", Transitions: []domain.Transition{
				{Guard: "has_name", Target: "bye"},
				{Guard: "default", Target: "ask"},
			}},
			{ID: "bye", Kind: domain.KindTerminal, Outcome: domain.StatusCompleted},
			{ID: "failed", Kind: domain.KindTerminal, Outcome: domain.StatusFailed},
		},
	}
}

// MockRepository records saved flows.
type MockRepository struct {
	mu    sync.Mutex
	saved []*domain.FlowDefinition
	err   error
}

func (m *MockRepository) SaveFlow(_ context.Context, def *domain.FlowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, def.Clone())
	return nil
}

func (m *MockRepository) LoadFlows(_ context.Context) ([]*domain.FlowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.err
}

func TestStore_PublishAssignsVersions(t *testing.T) {
	ctx := context.Background()
	s := flow.NewStore()

	ref, err := s.Publish(ctx, greeting())
	require.NoError(t, err)
	assert.Equal(t, domain.FlowRef{ID: "greeting", Version: 1}, ref)

	ref, err = s.Publish(ctx, greeting())
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Version)

	explicit := greeting()
	explicit.Version = 10
	ref, err = s.Publish(ctx, explicit)
	require.NoError(t, err)
	assert.Equal(t, 10, ref.Version)

	stale := greeting()
	stale.Version = 5
	_, err = s.Publish(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrValidation)

	versions, err := s.Versions(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, versions)
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()
	s := flow.NewStore()
	_, err := s.Publish(ctx, greeting())
	require.NoError(t, err)

	latest, err := s.Get(ctx, "greeting", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.False(t, latest.PublishedAt.IsZero())

	_, err = s.Get(ctx, "greeting", 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Get(ctx, "unknown", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_PublishedVersionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := flow.NewStore()

	def := greeting()
	_, err := s.Publish(ctx, def)
	require.NoError(t, err)

	// Mutating the caller's copy after publish must not leak into the store.
	def.Nodes[0].Prompt = "mutated"
	def.Nodes[1].Transitions[0].Target = "failed"

	edited := greeting()
	edited.Nodes[0].Prompt = "Hi there"
	_, err = s.Publish(ctx, edited)
	require.NoError(t, err)

	v1, err := s.Get(ctx, "greeting", 1)
	require.NoError(t, err)
	greet, ok := v1.Node("greet")
	require.True(t, ok)
	assert.Equal(t, "Hello", greet.Prompt)
	ask, _ := v1.Node("ask")
	assert.Equal(t, "bye", ask.Transitions[0].Target)

	v2, err := s.Get(ctx, "greeting", 2)
	require.NoError(t, err)
	greet, _ = v2.Node("greet")
	assert.Equal(t, "Hi there", greet.Prompt)
}

func TestStore_RejectsInvalid(t *testing.T) {
	s := flow.NewStore()
	def := greeting()
	def.Nodes[1].Transitions[0].Target = "nowhere"

	_, err := s.Publish(context.Background(), def)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "nowhere")
	assert.Empty(t, s.List(context.Background()))
}

func TestStore_Repository(t *testing.T) {
	ctx := context.Background()
	repo := &MockRepository{}
	s := flow.NewStore(flow.WithRepository(repo))

	_, err := s.Publish(ctx, greeting())
	require.NoError(t, err)
	_, err = s.Publish(ctx, greeting())
	require.NoError(t, err)
	require.Len(t, repo.saved, 2)

	restored := flow.NewStore(flow.WithRepository(repo))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []domain.FlowRef{{ID: "greeting", Version: 2}}, restored.List(ctx))

	// Loading twice does not duplicate versions.
	n, err = restored.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_RepositoryFailureDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	repo := &MockRepository{err: errors.New("disk full")}
	s := flow.NewStore(flow.WithRepository(repo))

	_, err := s.Publish(ctx, greeting())
	require.Error(t, err)
	_, err = s.Get(ctx, "greeting", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	s := flow.NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Publish(ctx, greeting())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.Versions(ctx, "greeting")
	require.NoError(t, err)
	require.Len(t, versions, 20)
	for i, v := range versions {
		assert.Equal(t, i+1, v)
	}
}
