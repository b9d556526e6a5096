package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSynchronousDeliversToNamedAndAllSubscribers(t *testing.T) {
	b := NewBus()
	var named, all int
	var mu sync.Mutex

	b.Subscribe("file_upload_completed", func(Event) {
		mu.Lock()
		named++
		mu.Unlock()
	})
	b.SubscribeAll(func(Event) {
		mu.Lock()
		all++
		mu.Unlock()
	})

	ev := NewFileUploadCompleted("Test", "/a")
	b.Publish(ev)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, named)
	assert.Equal(t, 1, all)
}

func TestAsyncPublishDeliversBeforeStopReturns(t *testing.T) {
	b := NewBus()
	b.Start()

	var got int32
	var mu sync.Mutex
	b.SubscribeAll(func(Event) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Publish(NewDownloadProgress("Test", "/big", float64(i)))
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 50, got)
}

func TestUnsubscribeIsIdempotentAndSafeDuringDelivery(t *testing.T) {
	b := NewBus()
	var calls int
	sub := b.SubscribeAll(func(Event) { calls++ })

	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic

	b.Publish(NewFileUploadCompleted("Test", "/a"))
	assert.Equal(t, 0, calls)
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	b := NewBus()
	var secondCalled bool
	var exceptionSeen bool

	b.SubscribeAll(func(ev Event) {
		if ev.Name() == "file_upload_completed" {
			panic("boom")
		}
	})
	b.SubscribeAll(func(ev Event) {
		if ev.Name() == "file_upload_completed" {
			secondCalled = true
		}
		if ev.Name() == "repertory_exception" {
			exceptionSeen = true
		}
	})

	require.NotPanics(t, func() {
		b.Publish(NewFileUploadCompleted("Test", "/a"))
	})
	assert.True(t, secondCalled)
	assert.True(t, exceptionSeen)
}

func TestStartStopIdempotent(t *testing.T) {
	b := NewBus()
	b.Start()
	b.Start()
	b.Stop()
	b.Stop()
}

func TestPublishDeliversSynchronouslyWhenNotStarted(t *testing.T) {
	b := NewBus()
	// Never started: Publish must deliver synchronously regardless of
	// AllowAsync, so this resolves without a timeout.
	done := make(chan struct{})
	b.SubscribeAll(func(Event) { close(done) })
	b.Publish(NewDownloadProgress("Test", "/x", 0))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered synchronously")
	}
}
