package assignment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/repository/document"
	"github.com/lalith-99/groupchat/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var fixedNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, capacity int) (*Service, docstore.Store, *observ.Metrics) {
	t.Helper()
	store, _ := testutil.NewStore(t)
	seedExperiment(t, store, "exp1", capacity)

	metrics := observ.NewMetrics(prometheus.NewRegistry())
	seq := 0
	var mu sync.Mutex
	svc := NewService(store, metrics, zap.NewNop(),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("g%d", seq)
		}),
	)
	return svc, store, metrics
}

func seedExperiment(t *testing.T, store docstore.Store, id string, capacity int) {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return document.WriteExperiment(tx, &models.Experiment{
			ID:       id,
			Settings: models.Settings{UsersInGroup: capacity, TotalDuration: 600},
			Groups:   []string{},
		})
	})
	require.NoError(t, err)
}

func loadGroups(t *testing.T, store docstore.Store, experimentID string) []models.Group {
	t.Helper()
	groups, err := document.NewGroupStore(store, zap.NewNop()).ListByExperiment(context.Background(), experimentID)
	require.NoError(t, err)
	return groups
}

func loadExperiment(t *testing.T, store docstore.Store, id string) *models.Experiment {
	t.Helper()
	exp, err := document.NewExperimentStore(store, zap.NewNop()).GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, exp)
	return exp
}

func TestAssign_SequentialFillsThenOpensNewGroup(t *testing.T) {
	svc, store, _ := setup(t, 2)
	ctx := context.Background()

	g1, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)
	g2, err := svc.Assign(ctx, "p2", "exp1")
	require.NoError(t, err)
	g3, err := svc.Assign(ctx, "p3", "exp1")
	require.NoError(t, err)
	g4, err := svc.Assign(ctx, "p4", "exp1")
	require.NoError(t, err)

	assert.Equal(t, g1, g2)
	assert.NotEqual(t, g1, g3)
	assert.Equal(t, g3, g4)

	exp := loadExperiment(t, store, "exp1")
	assert.Equal(t, []string{g1, g3}, exp.Groups)

	groups := loadGroups(t, store, "exp1")
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"p1", "p2"}, groups[0].Users)
	assert.Equal(t, []string{"p3", "p4"}, groups[1].Users)
	assert.Equal(t, "group-0", groups[0].Name)
	assert.Equal(t, "group-1", groups[1].Name)
	assert.Equal(t, models.GroupTypeEmoji, groups[0].GroupType)
	assert.Equal(t, models.GroupTypeNoEmoji, groups[1].GroupType)
	assert.Equal(t, "exp1", groups[0].ExperimentID)
	assert.True(t, groups[0].CreatedAt.Equal(fixedNow))
	require.NotNil(t, groups[0].StartedAt, "full group must be started")
	assert.True(t, groups[0].StartedAt.Equal(fixedNow))
}

func TestAssign_StartedAtOnlyWhenFull(t *testing.T) {
	svc, store, _ := setup(t, 3)
	ctx := context.Background()

	_, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "p2", "exp1")
	require.NoError(t, err)

	groups := loadGroups(t, store, "exp1")
	require.Len(t, groups, 1)
	assert.Nil(t, groups[0].StartedAt)

	_, err = svc.Assign(ctx, "p3", "exp1")
	require.NoError(t, err)
	groups = loadGroups(t, store, "exp1")
	assert.NotNil(t, groups[0].StartedAt)
}

func TestAssign_RepeatCallsAreIdempotent(t *testing.T) {
	svc, store, _ := setup(t, 3)
	ctx := context.Background()

	first, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]string, 10)
	for i := range results {
		g.Go(func() error {
			id, err := svc.Assign(ctx, "p1", "exp1")
			results[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range results {
		assert.Equal(t, first, id)
	}
	groups := loadGroups(t, store, "exp1")
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"p1"}, groups[0].Users)
}

func TestAssign_ConcurrentRepeatForFreshParticipant(t *testing.T) {
	svc, store, _ := setup(t, 4)
	ctx := context.Background()

	var g errgroup.Group
	results := make([]string, 6)
	for i := range results {
		g.Go(func() error {
			id, err := svc.Assign(ctx, "solo", "exp1")
			results[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	groups := loadGroups(t, store, "exp1")
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"solo"}, groups[0].Users)
}

func TestAssign_ConcurrentArrivalsRespectCapacity(t *testing.T) {
	for _, tc := range []struct{ n, capacity int }{
		{n: 9, capacity: 3},
		{n: 7, capacity: 2},
		{n: 5, capacity: 5},
	} {
		t.Run(fmt.Sprintf("n=%d,c=%d", tc.n, tc.capacity), func(t *testing.T) {
			svc, store, _ := setup(t, tc.capacity)
			ctx := context.Background()

			var g errgroup.Group
			assigned := make([]string, tc.n)
			for i := 0; i < tc.n; i++ {
				g.Go(func() error {
					id, err := svc.Assign(ctx, fmt.Sprintf("p%d", i), "exp1")
					assigned[i] = id
					return err
				})
			}
			require.NoError(t, g.Wait())

			groups := loadGroups(t, store, "exp1")
			wantGroups := (tc.n + tc.capacity - 1) / tc.capacity
			assert.Len(t, groups, wantGroups)

			seen := map[string]string{}
			for _, grp := range groups {
				assert.LessOrEqual(t, len(grp.Users), tc.capacity)
				for _, u := range grp.Users {
					_, dup := seen[u]
					assert.False(t, dup, "participant %s placed twice", u)
					seen[u] = grp.ID
				}
			}
			assert.Len(t, seen, tc.n)
			for i, gid := range assigned {
				assert.Equal(t, seen[fmt.Sprintf("p%d", i)], gid)
			}

			exp := loadExperiment(t, store, "exp1")
			assert.Len(t, exp.Groups, wantGroups, "every created group is registered exactly once")
		})
	}
}

func TestAssign_ZeroCapacityGivesEveryoneOwnGroup(t *testing.T) {
	svc, store, _ := setup(t, 0)
	ctx := context.Background()

	a, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)
	b, err := svc.Assign(ctx, "p2", "exp1")
	require.NoError(t, err)
	again, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.Len(t, loadGroups(t, store, "exp1"), 2)
}

func TestAssign_ExperimentNotFound(t *testing.T) {
	svc, _, metrics := setup(t, 2)

	_, err := svc.Assign(context.Background(), "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Assignments.WithLabelValues("failed")))
}

func TestAssign_SkipsDanglingGroupIDs(t *testing.T) {
	svc, store, _ := setup(t, 2)
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		exp, err := document.ReadExperiment(ctx, tx, "exp1")
		if err != nil {
			return err
		}
		exp.Groups = append(exp.Groups, "ghost")
		return document.WriteExperiment(tx, exp)
	})
	require.NoError(t, err)

	gid, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)
	assert.NotEqual(t, "ghost", gid)

	// The new group is typed by its position in the list.
	groups := loadGroups(t, store, "exp1")
	require.Len(t, groups, 1)
	assert.Equal(t, models.GroupTypeNoEmoji, groups[0].GroupType)
}

func TestAssign_ConflictExhaustionIsRetryable(t *testing.T) {
	store, _ := testutil.NewStore(t)
	seedExperiment(t, store, "exp1", 2)

	failing := &conflictingStore{Store: store}
	svc := NewService(failing, nil, zap.NewNop())

	_, err := svc.Assign(context.Background(), "p1", "exp1")
	assert.ErrorIs(t, err, ErrAssignmentFailed)
	assert.ErrorIs(t, err, docstore.ErrTxConflict)
}

// conflictingStore simulates a store that never wins the commit race.
type conflictingStore struct {
	docstore.Store
}

func (s *conflictingStore) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return fmt.Errorf("%w after 10 attempts", docstore.ErrTxConflict)
}

func TestGroupOf(t *testing.T) {
	svc, _, _ := setup(t, 2)
	ctx := context.Background()

	_, ok, err := svc.GroupOf(ctx, "p1", "exp1")
	require.NoError(t, err)
	assert.False(t, ok)

	gid, err := svc.Assign(ctx, "p1", "exp1")
	require.NoError(t, err)

	got, ok, err := svc.GroupOf(ctx, "p1", "exp1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, gid, got)

	_, _, err = svc.GroupOf(ctx, "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
