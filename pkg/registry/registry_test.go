package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralhq/coral/pkg/types"
)

func TestRegistrationLifecycle(t *testing.T) {
	reg := New()

	require.NoError(t, reg.RegisterActivityType("content-share", ActivityTypeOptions{
		GroupBy: []PivotSpec{{Actor: true, Object: true}},
		Streams: map[string]StreamRouter{
			types.StreamActivity: {Actor: []string{"self"}},
		},
	}))
	require.NoError(t, reg.RegisterStreamType(types.StreamActivity, StreamTypeOptions{
		VisibilityBucketing: true,
		PushPhase:           PushAggregation,
	}))
	require.NoError(t, reg.RegisterEntityType("user", EntityTypeOptions{}))
	require.NoError(t, reg.RegisterAssociation("user", "self",
		func(_ context.Context, _ *AssociationsContext, e types.Entity) ([]string, error) {
			return []string{e.ID()}, nil
		}))

	// Duplicates are configuration errors.
	assert.Error(t, reg.RegisterActivityType("content-share", ActivityTypeOptions{}))
	assert.Error(t, reg.RegisterStreamType(types.StreamActivity, StreamTypeOptions{}))
	assert.Error(t, reg.RegisterEntityType("user", EntityTypeOptions{}))
	assert.Error(t, reg.RegisterAssociation("user", "self", nil))

	reg.Seal()
	assert.Error(t, reg.RegisterActivityType("discussion-post", ActivityTypeOptions{}))
	assert.Error(t, reg.RegisterStreamType(types.StreamMessage, StreamTypeOptions{}))
}

func TestActivityTypeReturnsCopy(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterActivityType("content-share", ActivityTypeOptions{
		GroupBy: []PivotSpec{{Actor: true}},
		Streams: map[string]StreamRouter{
			types.StreamActivity: {Actor: []string{"self"}},
		},
	}))

	first, ok := reg.ActivityType("content-share")
	require.True(t, ok)
	first.GroupBy[0].Actor = false
	first.Streams[types.StreamActivity] = StreamRouter{Actor: []string{"mutated"}}

	second, ok := reg.ActivityType("content-share")
	require.True(t, ok)
	assert.True(t, second.GroupBy[0].Actor)
	assert.Equal(t, []string{"self"}, second.Streams[types.StreamActivity].Actor)

	_, ok = reg.ActivityType("unknown")
	assert.False(t, ok)
}

func TestStreamTypeResolvesVisibilityVariants(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterStreamType(types.StreamActivity, StreamTypeOptions{
		VisibilityBucketing: true,
	}))

	opts, ok := reg.StreamType("activity#public")
	require.True(t, ok)
	assert.True(t, opts.VisibilityBucketing)

	_, ok = reg.StreamType("unknown")
	assert.False(t, ok)
}

func TestDefaults(t *testing.T) {
	reg := New()
	ctx := context.Background()

	entity, err := reg.ProducerFor("content")(ctx, &types.SeedResource{
		ResourceType: "content",
		ResourceID:   "c:cam:doc",
		Data:         map[string]any{"displayName": "Doc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "content", entity.ObjectType())
	assert.Equal(t, "c:cam:doc", entity.ID())
	assert.Equal(t, "Doc", entity["displayName"])

	entity["secret"] = "internal"
	transformed, err := reg.TransformerFor("content", "activitystreams")(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, "c:cam:doc", transformed.ID())
	assert.NotContains(t, transformed, "secret")

	rules, err := reg.PropagationFor("content")(ctx, entity)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, PropagationRoutes, rules[0].Type)
}

func TestAssociationsContextCaches(t *testing.T) {
	reg := New()
	calls := 0
	require.NoError(t, reg.RegisterAssociation("group", "members",
		func(_ context.Context, _ *AssociationsContext, _ types.Entity) ([]string, error) {
			calls++
			return []string{"u:cam:alice", "u:cam:bob"}, nil
		}))

	ac := NewAssociationsContext(reg)
	group := types.NewEntity("group", "g:cam:devs")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ids, err := ac.Get(ctx, group, "members")
		require.NoError(t, err)
		assert.Equal(t, []string{"u:cam:alice", "u:cam:bob"}, ids)
	}
	assert.Equal(t, 1, calls)

	// Unknown association names resolve to nothing rather than failing.
	ids, err := ac.Get(ctx, group, "followers")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
