package queue

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDrain_Empty(t *testing.T) {
	q := New[string]()

	items, ok := q.Drain(10)
	if ok {
		t.Error("expected ok=false on empty queue")
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %v", items)
	}
}

func TestDrain_SinglePush(t *testing.T) {
	q := New[string]()
	q.Push("a")

	items, ok := q.Drain(10)
	if !ok {
		t.Fatal("expected ok=true after push")
	}
	if diff := cmp.Diff([]string{"a"}, items); diff != "" {
		t.Errorf("unexpected items (-want +got):\n%s", diff)
	}
	if q.Size() != 0 {
		t.Errorf("expected empty queue, got size %d", q.Size())
	}

	if _, ok := q.Drain(10); ok {
		t.Error("expected ok=false after queue emptied")
	}
}

func TestDrain_FIFOAndLimit(t *testing.T) {
	q := New[int]()
	for i := 0; i < 25; i++ {
		q.Push(i)
	}

	var got []int
	for {
		items, ok := q.Drain(10)
		if !ok {
			break
		}
		if len(items) > 10 {
			t.Fatalf("drain returned %d items, limit is 10", len(items))
		}
		got = append(got, items...)
	}

	want := make([]int, 25)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("drain order differs from push order (-want +got):\n%s", diff)
	}
}

func TestDrain_NonPositiveMaxDrainsAll(t *testing.T) {
	q := New[int]()
	q.PushAll(1, 2, 3)

	items, ok := q.Drain(0)
	if !ok || len(items) != 3 {
		t.Errorf("expected all 3 items, got %v (ok=%v)", items, ok)
	}
}

func TestPushAll_Contiguous(t *testing.T) {
	q := New[string]()
	q.Push("first")
	q.PushAll("a", "b", "c")
	q.PushAll()
	q.Push("last")

	items, _ := q.Drain(100)
	want := []string{"first", "a", "b", "c", "last"}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("unexpected items (-want +got):\n%s", diff)
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New[[2]int]()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}

	done := make(chan struct{})
	var drained [][2]int
	go func() {
		defer close(done)
		for len(drained) < producers*perProducer {
			if items, ok := q.Drain(64); ok {
				drained = append(drained, items...)
			}
		}
	}()

	wg.Wait()
	<-done

	if len(drained) != producers*perProducer {
		t.Fatalf("expected %d items, got %d", producers*perProducer, len(drained))
	}

	// Per-producer order must survive interleaving.
	next := make([]int, producers)
	for _, item := range drained {
		p, i := item[0], item[1]
		if i != next[p] {
			t.Fatalf("producer %d: expected item %d, got %d", p, next[p], i)
		}
		next[p]++
	}
}

func TestSize(t *testing.T) {
	q := New[int]()
	if q.Size() != 0 {
		t.Errorf("expected size 0, got %d", q.Size())
	}
	q.PushAll(1, 2, 3)
	if q.Size() != 3 {
		t.Errorf("expected size 3, got %d", q.Size())
	}
	q.Drain(2)
	if q.Size() != 1 {
		t.Errorf("expected size 1, got %d", q.Size())
	}
}
