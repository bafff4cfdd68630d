package graphics

import (
	"errors"
	"image/color"
	"testing"
)

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    PixelFormat
		wantErr bool
	}{
		{"argb8888", PixelFormatARGB8888, false},
		{"ARGB_8888", PixelFormatARGB8888, false},
		{"xrgb8888", PixelFormatXRGB8888, false},
		{"rgb565", PixelFormatInvalid, true},
		{"", PixelFormatInvalid, true},
	}
	for _, test := range tests {
		got, err := ParsePixelFormat(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParsePixelFormat(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
		}
		if got != test.want {
			t.Errorf("ParsePixelFormat(%q) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestPropertiesValidate(t *testing.T) {
	good := BufferProperties{Width: 4, Height: 3, Format: PixelFormatARGB8888}
	if err := good.Validate(); err != nil {
		t.Errorf("Valid properties rejected: %s", err)
	}
	if good.Stride() != 16 || good.Len() != 48 {
		t.Errorf("Wrong geometry: stride %d len %d", good.Stride(), good.Len())
	}

	bad := []BufferProperties{
		{Width: 0, Height: 3, Format: PixelFormatARGB8888},
		{Width: 4, Height: -1, Format: PixelFormatARGB8888},
		{Width: 4, Height: 3, Format: PixelFormatInvalid},
	}
	for _, props := range bad {
		if err := props.Validate(); !errors.Is(err, ErrInvalidProperties) {
			t.Errorf("Properties %+v should be invalid, got %v", props, err)
		}
	}
}

func TestHeapAllocatorLifecycle(t *testing.T) {
	alloc := NewHeapAllocator()
	props := BufferProperties{Width: 2, Height: 2, Format: PixelFormatARGB8888}

	a, err := alloc.AllocBuffer(props)
	if err != nil {
		t.Fatalf("Failed to allocate: %s", err)
	}
	b, err := alloc.AllocBuffer(props)
	if err != nil {
		t.Fatalf("Failed to allocate: %s", err)
	}
	if a.ID() == b.ID() {
		t.Errorf("Two buffers share the id %d", a.ID())
	}
	if alloc.Live() != 2 {
		t.Errorf("Expected 2 live buffers, got %d", alloc.Live())
	}
	if len(a.(*HeapBuffer).Pixels()) != props.Len() {
		t.Errorf("Pixel storage has the wrong size: %d", len(a.(*HeapBuffer).Pixels()))
	}

	if err = alloc.FreeBuffer(a); err != nil {
		t.Errorf("Failed to free: %s", err)
	}
	if err = alloc.FreeBuffer(a); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("Double free should fail with ErrForeignBuffer, got %v", err)
	}
	if alloc.Live() != 1 {
		t.Errorf("Expected 1 live buffer, got %d", alloc.Live())
	}
}

func TestHeapAllocatorRejectsInvalid(t *testing.T) {
	alloc := NewHeapAllocator()
	if _, err := alloc.AllocBuffer(BufferProperties{}); !errors.Is(err, ErrInvalidProperties) {
		t.Errorf("Expected ErrInvalidProperties, got %v", err)
	}
	if alloc.Live() != 0 {
		t.Errorf("Failed allocation left %d live buffers", alloc.Live())
	}
}

type otherBuffer struct{}

func (otherBuffer) ID() BufferID                 { return 0 }
func (otherBuffer) Properties() BufferProperties { return BufferProperties{} }

func TestHeapAllocatorRejectsForeign(t *testing.T) {
	alloc := NewHeapAllocator()
	if err := alloc.FreeBuffer(otherBuffer{}); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("Expected ErrForeignBuffer, got %v", err)
	}
}

func TestHeapBufferImageWritesPixels(t *testing.T) {
	alloc := NewHeapAllocator()
	buf, err := alloc.AllocBuffer(BufferProperties{Width: 2, Height: 2, Format: PixelFormatARGB8888})
	if err != nil {
		t.Fatalf("Failed to allocate: %s", err)
	}
	img := buf.(Imager).Image()
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 2 {
		t.Fatalf("Image has the wrong bounds: %v", img.Bounds())
	}
	img.Set(1, 1, color.RGBA{R: 0xff, G: 0x80, B: 0x10, A: 0xff})

	nonZero := false
	for _, b := range buf.(*HeapBuffer).Pixels() {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Errorf("Drawing into the image didn't touch the buffer pixels")
	}
}
