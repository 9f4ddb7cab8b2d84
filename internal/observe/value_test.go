package observe

import "testing"

func TestValueWatchDeliversCurrentThenUpdates(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Watch(4)
	defer cancel()

	if got := <-ch; got != 1 {
		t.Fatalf("expected initial value 1, got %d", got)
	}

	v.Set(2)
	v.Update(func(n int) int { return n * 10 })

	if got := <-ch; got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := <-ch; got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
	if got := v.Readonly().Get(); got != 20 {
		t.Errorf("expected readonly view to see 20, got %d", got)
	}
}

func TestValueSlowWatcherKeepsNewest(t *testing.T) {
	v := NewValue("a")
	ch, cancel := v.Watch(1)
	defer cancel()

	<-ch // initial
	v.Set("b")
	v.Set("c")
	v.Set("d")

	if got := <-ch; got != "d" {
		t.Errorf("expected newest value d, got %q", got)
	}
}

func TestValueCancelClosesChannel(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Watch(1)
	<-ch
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	v.Set(5) // must not panic on a released watcher
}
