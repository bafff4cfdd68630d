package multiplexer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManyToOne(t *testing.T) {
	out := make(chan int, 100)
	plexer := NewManyToOne(out)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 10 {
				if err := plexer.Send(i*10 + j); err != nil {
					t.Errorf("Send failed: %s", err)
				}
			}
		}(i)
	}
	wg.Wait()
	plexer.Close()

	count := 0
	for range out {
		count++
	}
	if count != 40 {
		t.Errorf("Expected 40 messages, got %d", count)
	}
	if err := plexer.Send(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close returned %v", err)
	}
	// Closing twice is fine
	plexer.Close()
}

func TestOneToMany(t *testing.T) {
	plexer := NewOneToMany[string]()
	go plexer.StartPlexer()

	first, err := plexer.MakeReceiver("first", 4)
	if err != nil {
		t.Fatalf("Failed to make receiver: %s", err)
	}
	second, err := plexer.MakeReceiver("second", 4)
	if err != nil {
		t.Fatalf("Failed to make receiver: %s", err)
	}
	if _, err := plexer.MakeReceiver("first", 1); !errors.Is(err, ErrReceiverExists) {
		t.Errorf("Duplicate receiver returned %v", err)
	}

	plexer.GetSender() <- "hello"
	plexer.GetSender() <- "world"

	for _, rec := range []<-chan string{first, second} {
		for _, expected := range []string{"hello", "world"} {
			select {
			case msg := <-rec:
				if msg != expected {
					t.Errorf("Expected %q, got %q", expected, msg)
				}
			case <-time.After(time.Second):
				t.Fatalf("Receiver never got %q", expected)
			}
		}
	}

	plexer.CloseReceiver("second")
	if _, ok := <-second; ok {
		t.Error("Closed receiver still open")
	}

	plexer.CloseSender()
	if _, ok := <-first; ok {
		t.Error("Receiver still open after closing the sender")
	}
	if _, err := plexer.MakeReceiver("third", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Receiver on closed plexer returned %v", err)
	}
}

func TestOneToManySlowReceiverMissesMessages(t *testing.T) {
	plexer := NewOneToMany[int]()
	go plexer.StartPlexer()
	defer plexer.CloseSender()

	slow, _ := plexer.MakeReceiver("slow", 1)
	fast, _ := plexer.MakeReceiver("fast", 10)

	for i := range 5 {
		plexer.GetSender() <- i
	}
	// Sender channel is unbuffered, so the last message has been taken. Make sure it was distributed.
	deadline := time.Now().Add(time.Second)
	for len(fast) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(fast) != 5 {
		t.Errorf("Fast receiver got %d of 5 messages", len(fast))
	}
	if len(slow) != 1 {
		t.Errorf("Slow receiver should hold exactly 1 message, has %d", len(slow))
	}
}
