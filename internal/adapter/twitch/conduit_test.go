package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConduitAPI struct {
	mu sync.Mutex

	getConduitsFn    func(ctx context.Context) ([]helix.Conduit, error)
	createConduitFn  func(ctx context.Context, shardCount int) (*helix.Conduit, error)
	updateShardsFn   func(ctx context.Context, params *helix.UpdateConduitShardsParams) (*helix.UpdateConduitShardsResponse, error)
	deleteConduitFn  func(ctx context.Context, conduitID string) error
	createSubFn      func(ctx context.Context, params *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error)
	deleteSubFn      func(ctx context.Context, subscriptionID string) error
	findSubFn        func(ctx context.Context, subType string, condition map[string]string) (*helix.EventSubSubscription, error)
	created          []helix.CreateEventSubSubscriptionParams
	deleted          []string
	deletedConduits  []string
	nextSubscription int
}

func (m *mockConduitAPI) GetConduits(ctx context.Context) ([]helix.Conduit, error) {
	if m.getConduitsFn != nil {
		return m.getConduitsFn(ctx)
	}
	return nil, nil
}

func (m *mockConduitAPI) CreateConduit(ctx context.Context, shardCount int) (*helix.Conduit, error) {
	if m.createConduitFn != nil {
		return m.createConduitFn(ctx, shardCount)
	}
	return &helix.Conduit{ID: "conduit-new", ShardCount: shardCount}, nil
}

func (m *mockConduitAPI) UpdateConduitShards(ctx context.Context, params *helix.UpdateConduitShardsParams) (*helix.UpdateConduitShardsResponse, error) {
	if m.updateShardsFn != nil {
		return m.updateShardsFn(ctx, params)
	}
	return nil, nil
}

func (m *mockConduitAPI) DeleteConduit(ctx context.Context, conduitID string) error {
	m.mu.Lock()
	m.deletedConduits = append(m.deletedConduits, conduitID)
	m.mu.Unlock()
	if m.deleteConduitFn != nil {
		return m.deleteConduitFn(ctx, conduitID)
	}
	return nil
}

func (m *mockConduitAPI) CreateEventSubSubscription(ctx context.Context, params *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error) {
	if m.createSubFn != nil {
		return m.createSubFn(ctx, params)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, *params)
	m.nextSubscription++
	return &helix.EventSubSubscription{ID: fmt.Sprintf("sub-%d", m.nextSubscription), Type: params.Type}, nil
}

func (m *mockConduitAPI) DeleteEventSubSubscription(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, subscriptionID)
	m.mu.Unlock()
	if m.deleteSubFn != nil {
		return m.deleteSubFn(ctx, subscriptionID)
	}
	return nil
}

func (m *mockConduitAPI) FindEventSubSubscription(ctx context.Context, subType string, condition map[string]string) (*helix.EventSubSubscription, error) {
	if m.findSubFn != nil {
		return m.findSubFn(ctx, subType, condition)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockConduitAPI) createdTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.created))
	for _, p := range m.created {
		types = append(types, p.Type)
	}
	return types
}

func (m *mockConduitAPI) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

var fastRetry = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   time.Millisecond,
	RateLimitBackoff: time.Millisecond,
}

func newTestConduitManager(api conduitAPI, streams StreamFetcher) *ConduitManager {
	m := newConduitManager(api, NewDispatcher(testWebhookSecret), streams, "https://relay.example.com/webhooks/eventsub", testWebhookSecret)
	m.retry = fastRetry
	return m
}

func TestConduitManager_ReusesExistingConduit(t *testing.T) {
	api := &mockConduitAPI{
		getConduitsFn: func(context.Context) ([]helix.Conduit, error) {
			return []helix.Conduit{{ID: "conduit-existing", ShardCount: 1}}, nil
		},
		createConduitFn: func(context.Context, int) (*helix.Conduit, error) {
			t.Fatal("must not create a conduit when one exists")
			return nil, nil
		},
	}
	var shardParams *helix.UpdateConduitShardsParams
	api.updateShardsFn = func(_ context.Context, p *helix.UpdateConduitShardsParams) (*helix.UpdateConduitShardsResponse, error) {
		shardParams = p
		return nil, nil
	}
	m := newTestConduitManager(api, nil)

	_, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	require.NotNil(t, shardParams)
	assert.Equal(t, "conduit-existing", shardParams.ConduitID)
	require.Len(t, shardParams.Shards, 1)
	assert.Equal(t, "webhook", shardParams.Shards[0].Transport.Method)
	assert.Equal(t, "https://relay.example.com/webhooks/eventsub", shardParams.Shards[0].Transport.Callback)
}

func TestConduitManager_RecreatesStaleConduit(t *testing.T) {
	calls := 0
	api := &mockConduitAPI{
		getConduitsFn: func(context.Context) ([]helix.Conduit, error) {
			return []helix.Conduit{{ID: "conduit-stale"}}, nil
		},
		updateShardsFn: func(_ context.Context, p *helix.UpdateConduitShardsParams) (*helix.UpdateConduitShardsResponse, error) {
			calls++
			if p.ConduitID == "conduit-stale" {
				return nil, errors.New("shard gone")
			}
			return nil, nil
		},
	}
	m := newTestConduitManager(api, nil)

	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"conduit-stale"}, api.deletedConduits)
	assert.Equal(t, "conduit-new", l.(*conduitListener).conduitID)
}

func TestConduitManager_SetsUpConduitOnce(t *testing.T) {
	listed := 0
	api := &mockConduitAPI{
		getConduitsFn: func(context.Context) ([]helix.Conduit, error) {
			listed++
			return nil, nil
		},
	}
	m := newTestConduitManager(api, nil)

	for range 3 {
		_, err := m.NewWebhookListener(t.Context())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, listed)
}

func TestConduitManager_ListFailure(t *testing.T) {
	api := &mockConduitAPI{
		getConduitsFn: func(context.Context) ([]helix.Conduit, error) {
			return nil, errors.New("unauthorized")
		},
	}
	m := newTestConduitManager(api, nil)

	_, err := m.NewWebhookListener(t.Context())
	assert.ErrorContains(t, err, "failed to list conduits")
}

func TestConduitManager_Cleanup(t *testing.T) {
	api := &mockConduitAPI{}
	m := newTestConduitManager(api, nil)

	require.NoError(t, m.Cleanup(t.Context()), "cleanup without a conduit is a no-op")
	assert.Empty(t, api.deletedConduits)

	_, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)
	require.NoError(t, m.Cleanup(t.Context()))
	assert.Equal(t, []string{"conduit-new"}, api.deletedConduits)
}

func TestConduitListener_FollowSubscription(t *testing.T) {
	api := &mockConduitAPI{}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	sub, err := l.SubscribeToFollows(t.Context(), "b-1", func(domain.FollowNotification) {})
	require.NoError(t, err)

	assert.Equal(t, "follows", sub.Topic())
	require.Len(t, api.created, 1)
	p := api.created[0]
	assert.Equal(t, TypeChannelFollow, p.Type)
	assert.Equal(t, "2", p.Version)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "b-1", "moderator_user_id": "b-1"}, p.Condition)
	assert.Equal(t, "conduit", p.Transport.Method)
	assert.Equal(t, "conduit-new", p.Transport.ConduitID)

	require.NoError(t, sub.Stop(t.Context()))
	assert.Equal(t, []string{"sub-1"}, api.deletedIDs())
	_, ok := m.dispatcher.lookup(TypeChannelFollow, "b-1")
	assert.False(t, ok)
}

func TestConduitListener_StreamSubscriptionCoversOnlineOfflineAndUpdates(t *testing.T) {
	api := &mockConduitAPI{}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	sub, err := l.SubscribeToStreamChanges(t.Context(), "b-1", func(domain.StreamChange) {})
	require.NoError(t, err)

	assert.Equal(t, []string{TypeStreamOnline, TypeStreamOffline, TypeChannelUpdate}, api.createdTypes())
	assert.Equal(t, "2", api.created[2].Version)

	require.NoError(t, sub.Stop(t.Context()))
	assert.Equal(t, []string{"sub-1", "sub-2", "sub-3"}, api.deletedIDs())
	_, ok := m.dispatcher.lookup(TypeChannelUpdate, "b-1")
	assert.False(t, ok)
}

func TestConduitListener_StreamSubscriptionRollsBackOnFailure(t *testing.T) {
	api := &mockConduitAPI{}
	api.createSubFn = func(_ context.Context, p *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error) {
		if p.Type == TypeStreamOffline {
			return nil, &helix.APIError{StatusCode: http.StatusForbidden}
		}
		return &helix.EventSubSubscription{ID: "sub-online", Type: p.Type}, nil
	}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	_, err = l.SubscribeToStreamChanges(t.Context(), "b-1", func(domain.StreamChange) {})

	require.Error(t, err)
	assert.Equal(t, []string{"sub-online"}, api.deletedIDs())
	_, ok := m.dispatcher.lookup(TypeStreamOnline, "b-1")
	assert.False(t, ok)
}

func TestConduitListener_ConflictRecoversExistingSubscription(t *testing.T) {
	api := &mockConduitAPI{
		createSubFn: func(context.Context, *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error) {
			return nil, &helix.APIError{StatusCode: http.StatusConflict}
		},
		findSubFn: func(_ context.Context, subType string, condition map[string]string) (*helix.EventSubSubscription, error) {
			assert.Equal(t, TypeChannelFollow, subType)
			assert.Equal(t, "b-1", condition["broadcaster_user_id"])
			return &helix.EventSubSubscription{ID: "sub-existing"}, nil
		},
	}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	sub, err := l.SubscribeToFollows(t.Context(), "b-1", func(domain.FollowNotification) {})
	require.NoError(t, err)

	require.NoError(t, sub.Stop(t.Context()))
	assert.Equal(t, []string{"sub-existing"}, api.deletedIDs())
}

func TestConduitListener_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	api := &mockConduitAPI{
		createSubFn: func(_ context.Context, p *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error) {
			attempts++
			if attempts < 3 {
				return nil, &helix.APIError{StatusCode: http.StatusServiceUnavailable}
			}
			return &helix.EventSubSubscription{ID: "sub-1", Type: p.Type}, nil
		},
	}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	_, err = l.SubscribeToFollows(t.Context(), "b-1", func(domain.FollowNotification) {})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestConduitSubscription_StopIgnoresMissingSubscription(t *testing.T) {
	api := &mockConduitAPI{
		deleteSubFn: func(context.Context, string) error {
			return &helix.APIError{StatusCode: http.StatusNotFound}
		},
	}
	m := newTestConduitManager(api, nil)
	l, err := m.NewWebhookListener(t.Context())
	require.NoError(t, err)

	sub, err := l.SubscribeToFollows(t.Context(), "b-1", func(domain.FollowNotification) {})
	require.NoError(t, err)
	assert.NoError(t, sub.Stop(t.Context()))
}

func TestClassifyEventSubError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{
			name: "429 rate limit returns After",
			err:  &helix.APIError{StatusCode: http.StatusTooManyRequests},
			want: retry.After,
		},
		{
			name: "500 internal server error returns Retry",
			err:  &helix.APIError{StatusCode: http.StatusInternalServerError},
			want: retry.Retry,
		},
		{
			name: "503 service unavailable returns Retry",
			err:  &helix.APIError{StatusCode: http.StatusServiceUnavailable},
			want: retry.Retry,
		},
		{
			name: "400 bad request returns Stop",
			err:  &helix.APIError{StatusCode: http.StatusBadRequest},
			want: retry.Stop,
		},
		{
			name: "403 forbidden returns Stop",
			err:  &helix.APIError{StatusCode: http.StatusForbidden},
			want: retry.Stop,
		},
		{
			name: "409 conflict returns Stop",
			err:  &helix.APIError{StatusCode: http.StatusConflict},
			want: retry.Stop,
		},
		{
			name: "non-API error returns Retry",
			err:  errors.New("connection refused"),
			want: retry.Retry,
		},
		{
			name: "wrapped non-API error returns Retry",
			err:  fmt.Errorf("request failed: %w", errors.New("timeout")),
			want: retry.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyEventSubError(tt.err))
		})
	}
}
