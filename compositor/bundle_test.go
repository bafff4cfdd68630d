package compositor

import (
	"errors"
	"testing"
	"time"

	"github.com/mstarongithub/wayswap/graphics"
)

var testProps = graphics.BufferProperties{Width: 8, Height: 4, Format: graphics.PixelFormatARGB8888}

func newTestBundle(t *testing.T, n int) (*BufferBundle, *graphics.HeapAllocator) {
	t.Helper()
	alloc := graphics.NewHeapAllocator()
	b, err := NewBufferBundle(alloc, testProps, QueueingPolicy(n))
	if err != nil {
		t.Fatalf("Failed to create bundle: %s", err)
	}
	return b, alloc
}

func TestBundleInvalidCount(t *testing.T) {
	if _, err := NewBufferBundle(graphics.NewHeapAllocator(), testProps, QueueingPolicy(1)); err == nil {
		t.Error("Bundle with a single buffer was accepted")
	}
	alloc := graphics.NewHeapAllocator()
	if _, err := NewBufferBundle(alloc, graphics.BufferProperties{}, DoubleBuffering); err == nil {
		t.Error("Bundle with invalid properties was accepted")
	}
	if alloc.Live() != 0 {
		t.Errorf("Failed bundle leaked %d buffers", alloc.Live())
	}
}

func TestBundleSynchronousByDefault(t *testing.T) {
	b, alloc := newTestBundle(t, 2)
	if _, ok := b.FrameDroppingPolicy().(BlockClientPolicy); !ok {
		t.Errorf("Expected blocking policy by default, got %v", b.FrameDroppingPolicy())
	}
	if alloc.Live() != 2 || b.BufferCount() != 2 {
		t.Errorf("Expected 2 buffers, allocator has %d, bundle %d", alloc.Live(), b.BufferCount())
	}
}

func TestBundleCompositorAcquireRecyclesLatest(t *testing.T) {
	for n := MinBuffers; n < 6; n++ {
		b, _ := newTestBundle(t, n)
		var client graphics.Buffer
		for i := 0; i < 50; i++ {
			if i%10 == 0 {
				client = mustClientAcquire(t, b)
				mustNil(t, b.ClientRelease(client))
			}
			comp := mustCompositorAcquire(t, b)
			if comp != client {
				t.Fatalf("n=%d: compositor got %d, expected %d", n, comp.ID(), client.ID())
			}
			mustNil(t, b.CompositorRelease(comp))
		}
	}
}

func TestBundleNoLagFromClientToCompositor(t *testing.T) {
	for n := MinBuffers; n < 6; n++ {
		b, _ := newTestBundle(t, n)
		b.AllowFrameDropping(false)
		for i := 0; i < n*3; i++ {
			client := mustClientAcquire(t, b)
			mustNil(t, b.ClientRelease(client))
			comp := mustCompositorAcquire(t, b)
			if comp != client {
				t.Fatalf("n=%d: compositor lags behind client", n)
			}
			mustNil(t, b.CompositorRelease(comp))
		}

		b.AllowFrameDropping(true)
		var client graphics.Buffer
		for i := 0; i < n*3; i++ {
			client = mustClientAcquire(t, b)
			mustNil(t, b.ClientRelease(client))
		}
		comp := mustCompositorAcquire(t, b)
		if comp != client {
			t.Errorf("n=%d: framedropping compositor got %d, expected %d", n, comp.ID(), client.ID())
		}
		mustNil(t, b.CompositorRelease(comp))
	}
}

func TestBundleGrow(t *testing.T) {
	b, alloc := newTestBundle(t, 2)
	client := mustClientAcquire(t, b)
	mustNil(t, b.ClientRelease(client))

	mustNil(t, b.SetBufferCount(4))
	if alloc.Live() != 4 || b.BufferCount() != 4 {
		t.Fatalf("Expected 4 buffers, allocator has %d, bundle %d", alloc.Live(), b.BufferCount())
	}
	if size := b.Stats().Size; size != 4 {
		t.Errorf("New swapper has size %d", size)
	}

	// The last frame survives the switch
	if comp := mustCompositorAcquire(t, b); comp != client {
		t.Errorf("Compositor got %d after switch, expected last frame %d", comp.ID(), client.ID())
	}
}

func TestBundleShrinkKeepsNewestFrame(t *testing.T) {
	b, alloc := newTestBundle(t, 4)
	var client graphics.Buffer
	for i := 0; i < 3; i++ {
		client = mustClientAcquire(t, b)
		mustNil(t, b.ClientRelease(client))
	}

	mustNil(t, b.SetBufferCount(2))
	if alloc.Live() != 2 {
		t.Errorf("Expected 2 live buffers after shrinking, got %d", alloc.Live())
	}
	if comp := mustCompositorAcquire(t, b); comp != client {
		t.Errorf("Newest frame %d was freed while shrinking", client.ID())
	}
}

func TestBundleSwitchWithClientBuffer(t *testing.T) {
	b, alloc := newTestBundle(t, 3)
	held := mustClientAcquire(t, b)

	mustNil(t, b.SetBufferCount(2))
	if alloc.Live() != 2 {
		t.Fatalf("Expected 2 live buffers, got %d", alloc.Live())
	}
	if owned := b.Stats().ClientOwned; owned != 1 {
		t.Errorf("New swapper doesn't account the outstanding client buffer, client owns %d", owned)
	}

	// Outstanding buffer comes back to the new swapper
	mustNil(t, b.ClientRelease(held))
	if comp := mustCompositorAcquire(t, b); comp != held {
		t.Errorf("Compositor got %d, expected adopted frame %d", comp.ID(), held.ID())
	}
	if tracked := b.Stats().Tracked; tracked != 2 {
		t.Errorf("Expected 2 tracked buffers, got %d", tracked)
	}
}

func TestBundleSwitchWhileCompositorHolds(t *testing.T) {
	b, alloc := newTestBundle(t, 2)
	comp := mustCompositorAcquire(t, b)
	if err := b.SetBufferCount(3); err == nil {
		t.Error("Switched swapper while the compositor holds a buffer")
	}
	mustNil(t, b.CompositorRelease(comp))
	if alloc.Live() != 2 {
		t.Errorf("Failed switch changed buffer count to %d", alloc.Live())
	}
}

func TestBundleWaitingClientSurvivesSwitch(t *testing.T) {
	b, _ := newTestBundle(t, 2)
	mustClientAcquire(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := b.ClientAcquire()
		done <- err
	}()
	waitUntilBlocked(t, b)

	mustNil(t, b.SetBufferCount(3))
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Waiting client failed across switch: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiting client wasn't served by the bigger swapper")
	}
}

func TestBundleAbortSticksAcrossSwitch(t *testing.T) {
	b, _ := newTestBundle(t, 2)
	b.ForceClientAbort()
	mustNil(t, b.SetBufferCount(3))
	if _, err := b.ClientAcquire(); !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted after switch, got %v", err)
	}
}

func TestBundleClose(t *testing.T) {
	b, alloc := newTestBundle(t, 3)
	client := mustClientAcquire(t, b)
	mustNil(t, b.ClientRelease(client))
	comp := mustCompositorAcquire(t, b)
	mustNil(t, b.CompositorRelease(comp))

	mustNil(t, b.Close())
	if alloc.Live() != 0 {
		t.Errorf("Close leaked %d buffers", alloc.Live())
	}
	if _, err := b.ClientAcquire(); !errors.Is(err, ErrAborted) {
		t.Errorf("Acquire after close returned %v", err)
	}
	if _, err := b.CompositorAcquire(); !errors.Is(err, ErrBundleClosed) {
		t.Errorf("Compositor acquire after close returned %v", err)
	}
	mustNil(t, b.Close())
}

func TestBundleCloseUnblocksClient(t *testing.T) {
	b, alloc := newTestBundle(t, 2)
	held := mustClientAcquire(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := b.ClientAcquire()
		done <- err
	}()
	waitUntilBlocked(t, b)

	mustNil(t, b.Close())
	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close didn't unblock the client")
	}
	// The held buffer can't be freed by close
	if alloc.Live() != 1 {
		t.Errorf("Expected the held buffer to stay alive, %d live", alloc.Live())
	}
	if err := alloc.FreeBuffer(held); err != nil {
		t.Errorf("Held buffer wasn't left alive: %s", err)
	}
}
