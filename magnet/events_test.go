package magnet

import "testing"

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(StatusChange{Status: StatusOn})
	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		sc, ok := ev.(StatusChange)
		if !ok || sc.Status != StatusOn {
			t.Fatalf("got %#v", ev)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(1) // never drained
	for i := 0; i < 100; i++ {
		bus.Publish(CurrentSample{Channel: 1, Amps: float64(i)})
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(TaskChange{Task: TaskIdle})
}
