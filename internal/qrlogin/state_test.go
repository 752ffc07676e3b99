package qrlogin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermate/tiermate-auth/internal/idp"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StatePending, true},
		{StateInit, StateFailed, true},
		{StatePending, StateScanned, true},
		{StatePending, StateAuthorizing, true},
		{StatePending, StateCompleting, true},
		{StatePending, StateExpired, true},
		{StateScanned, StatePending, false},
		{StateAuthorizing, StateScanned, false},
		{StateCompleting, StateSuccess, true},
		{StateCompleting, StateFailed, true},
		{StateScanned, StateScanned, false},
		{StateSuccess, StatePending, false},
		{StateSuccess, StateFailed, false},
		{StateFailed, StateSuccess, false},
		{StateExpired, StateFailed, false},
		{StateExpired, StatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestStateForStatus(t *testing.T) {
	tests := []struct {
		status idp.Status
		want   State
	}{
		{idp.StatusPending, StatePending},
		{idp.StatusScanned, StateScanned},
		{idp.StatusAuthorized, StateAuthorizing},
		{idp.StatusApproved, StateAuthorizing},
		{idp.StatusCompleted, StateCompleting},
		{idp.StatusSuccess, StateCompleting},
		{idp.StatusFailed, StateFailed},
		{idp.StatusExpired, StateExpired},
	}
	for _, tt := range tests {
		got, ok := stateForStatus(tt.status)
		assert.True(t, ok, tt.status)
		assert.Equal(t, tt.want, got, tt.status)
	}

	_, ok := stateForStatus("teleported")
	assert.False(t, ok)
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailed, StateExpired} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.InProgress(), s)
	}
	for _, s := range []State{StatePending, StateScanned, StateAuthorizing, StateCompleting} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.InProgress(), s)
	}
	assert.False(t, StateInit.Terminal())
	assert.False(t, StateInit.InProgress())
}

func TestGroupCancelAll(t *testing.T) {
	var g Group
	ctx := context.Background()
	var wg sync.WaitGroup

	h1 := spawn(ctx, &wg, &g, "one", func(ctx context.Context) { <-ctx.Done() })
	h2 := spawn(ctx, &wg, &g, "two", func(ctx context.Context) { <-ctx.Done() })
	assert.Equal(t, 2, g.Len())

	g.CancelAll()
	for _, h := range []*Handle{h1, h2} {
		select {
		case <-h.Done():
		case <-time.After(time.Second):
			t.Fatalf("producer %s did not stop", h.name)
		}
	}
	assert.Equal(t, 0, g.Len())

	late := spawn(ctx, &wg, &g, "late", func(ctx context.Context) { <-ctx.Done() })
	select {
	case <-late.Done():
	case <-time.After(time.Second):
		t.Fatal("handle added after CancelAll kept running")
	}
	wg.Wait()
}

func TestHandleCancel(t *testing.T) {
	var g Group
	var wg sync.WaitGroup
	ran := make(chan struct{})

	h := spawn(context.Background(), &wg, &g, "single", func(ctx context.Context) {
		close(ran)
		<-ctx.Done()
	})
	<-ran
	h.Cancel()
	wg.Wait()

	_, open := <-h.Done()
	require.False(t, open)
}
