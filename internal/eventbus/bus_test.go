// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/orchestrator/internal/domain"
)

func TestPublishJobEvent_DeliversToSubscriber(t *testing.T) {
	bus := New()
	ch, unsub := bus.SubscribeJobEvents("run-1")
	defer unsub()

	bus.PublishJobEvent(domain.JobEvent{RunID: "run-1", EventType: "log", Summary: "hello"})

	select {
	case evt := <-ch:
		require.Equal(t, "run-1", evt.RunID)
		require.Equal(t, "hello", evt.Summary)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishJobEvent_OtherRunsDoNotReceive(t *testing.T) {
	bus := New()
	ch, unsub := bus.SubscribeJobEvents("run-1")
	defer unsub()

	bus.PublishJobEvent(domain.JobEvent{RunID: "run-2", EventType: "log"})

	select {
	case <-ch:
		t.Fatal("subscriber for run-1 should not see run-2 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeJobEvents_UnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	ch, unsub := bus.SubscribeJobEvents("run-1")

	unsub()

	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, bus.RunSubscriberCount("run-1"))
}

func TestSubscribeJobEvents_UnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	_, unsub := bus.SubscribeJobEvents("run-1")

	require.NotPanics(t, func() {
		unsub()
		unsub()
	})
}

func TestPublishJobEvent_FullChannelDropsRatherThanBlocks(t *testing.T) {
	bus := New()
	ch, unsub := bus.SubscribeJobEvents("run-1")
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.PublishJobEvent(domain.JobEvent{RunID: "run-1", Sequence: int64(i)})
	}

	require.Len(t, ch, subscriberBuffer)
}

func TestPublishWorkerStatus_DeliversToAllSubscribers(t *testing.T) {
	bus := New()
	chA, unsubA := bus.SubscribeWorkerStatus()
	defer unsubA()
	chB, unsubB := bus.SubscribeWorkerStatus()
	defer unsubB()

	bus.PublishWorkerStatus(domain.WorkerStatus{WorkerID: "w1", Status: "draining"})

	for _, ch := range []<-chan domain.WorkerStatus{chA, chB} {
		select {
		case status := <-ch:
			require.Equal(t, "w1", status.WorkerID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for worker status")
		}
	}
}

func TestClose_ClosesAllSubscribersAndSilencesFuturePublishes(t *testing.T) {
	bus := New()
	jobCh, _ := bus.SubscribeJobEvents("run-1")
	statusCh, _ := bus.SubscribeWorkerStatus()

	bus.Close()

	_, ok := <-jobCh
	require.False(t, ok)
	_, ok = <-statusCh
	require.False(t, ok)

	require.NotPanics(t, func() {
		bus.PublishJobEvent(domain.JobEvent{RunID: "run-1"})
		bus.PublishWorkerStatus(domain.WorkerStatus{WorkerID: "w1"})
	})
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ch, unsub := bus.SubscribeJobEvents("run-shared")
			defer unsub()
			for j := 0; j < 5; j++ {
				select {
				case <-ch:
				case <-time.After(100 * time.Millisecond):
				}
			}
		}(i)
	}

	for i := 0; i < 100; i++ {
		bus.PublishJobEvent(domain.JobEvent{RunID: "run-shared", Sequence: int64(i)})
	}

	wg.Wait()
}
