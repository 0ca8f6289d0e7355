package x86vm

import (
	"errors"
	"testing"
)

// TestDefaultLayout tests the fixed sandbox layout.
func TestDefaultLayout(t *testing.T) {
	if err := DefaultLayout.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	mem, err := DefaultLayout.Build(nil, nil)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	want := []struct {
		name   string
		base   uint32
		size   uint32
		access Access
	}{
		{"code", CodeAddress, MaxCodeSize, AccessRead | AccessExec},
		{"data", DataAddress, MaxDataSize, AccessRead | AccessWrite},
		{"stack", StackAddress, MaxStackSize, AccessRead | AccessWrite},
	}
	regions := mem.Regions()
	if len(regions) != len(want) {
		t.Fatalf("len(Regions()) = %d, want %d", len(regions), len(want))
	}
	for i, w := range want {
		r := regions[i]
		if r.Name != w.name || r.Base != w.base || r.Size != w.size || r.Access != w.access {
			t.Errorf("region %d = %s 0x%x+0x%x %s, want %s 0x%x+0x%x %s",
				i, r.Name, r.Base, r.Size, r.Access, w.name, w.base, w.size, w.access)
		}
		if len(r.Bytes()) != int(w.size) {
			t.Errorf("%s backing = %d bytes, want %d", r.Name, len(r.Bytes()), w.size)
		}
	}
}

// TestLayoutValidate tests rejection of malformed layouts.
func TestLayoutValidate(t *testing.T) {
	overlap := DefaultLayout
	overlap.Stack.Base = DataAddress + 0x1000

	unaligned := DefaultLayout
	unaligned.Code.Base = 0x1100

	empty := DefaultLayout
	empty.Stack.Size = 0

	wrap := DefaultLayout
	wrap.Stack.Base = 0xFFFFF000
	wrap.Stack.Size = 0x2000

	for name, l := range map[string]Layout{
		"overlap":   overlap,
		"unaligned": unaligned,
		"empty":     empty,
		"wrap":      wrap,
	} {
		if err := l.Validate(); !errors.Is(err, ErrInvalidLayout) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidLayout", name, err)
		}
	}
}

// TestBuildCopiesSegments tests segment placement and zero fill.
func TestBuildCopiesSegments(t *testing.T) {
	mem, err := DefaultLayout.Build([]byte{0x90, 0xF4}, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	code := mem.Region("code").Bytes()
	if code[0] != 0x90 || code[1] != 0xF4 || code[2] != 0 {
		t.Errorf("code = % x", code[:3])
	}
	v, err := mem.Read32(DataAddress)
	if err != nil || v != 0x030201 {
		t.Errorf("Read32(data) = 0x%x, %v", v, err)
	}
	for _, b := range mem.Region("stack").Bytes() {
		if b != 0 {
			t.Fatal("stack not zero filled")
		}
	}
}

// TestBuildCapacity tests the region capacity checks.
func TestBuildCapacity(t *testing.T) {
	if _, err := DefaultLayout.Build(make([]byte, MaxCodeSize), make([]byte, MaxDataSize)); err != nil {
		t.Errorf("Build(max) = %v", err)
	}
	if _, err := DefaultLayout.Build(make([]byte, MaxCodeSize+1), nil); !errors.Is(err, ErrCodeTooLarge) {
		t.Errorf("Build(code+1) = %v, want ErrCodeTooLarge", err)
	}
	if _, err := DefaultLayout.Build(nil, make([]byte, MaxDataSize+1)); !errors.Is(err, ErrDataTooLarge) {
		t.Errorf("Build(data+1) = %v, want ErrDataTooLarge", err)
	}
}

// TestTranslateBounds tests access checks at region edges.
func TestTranslateBounds(t *testing.T) {
	mem, err := DefaultLayout.Build(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		addr  uint32
		size  uint32
		write bool
		ok    bool
	}{
		{"data start", DataAddress, 4, true, true},
		{"data end", DataAddress + MaxDataSize - 4, 4, true, true},
		{"data straddles end", DataAddress + MaxDataSize - 2, 4, false, false},
		{"stack top", StackAddress + MaxStackSize - 4, 4, true, true},
		{"past stack", StackAddress + MaxStackSize, 4, false, false},
		{"code read", CodeAddress, 4, false, true},
		{"code write", CodeAddress, 4, true, false},
		{"below code", 0, 4, false, false},
		{"gap", 0x00180000, 1, false, false},
		{"top of address space", 0xFFFFFFFE, 4, false, false},
		{"zero size anywhere", 0x12345678, 0, true, true},
	}
	for _, tt := range tests {
		_, err := mem.Translate(tt.addr, tt.size, tt.write)
		if tt.ok && err != nil {
			t.Errorf("%s: Translate() = %v", tt.name, err)
		}
		if !tt.ok {
			var ae *AccessError
			if !errors.As(err, &ae) || !errors.Is(err, ErrInvalidMemoryAccess) {
				t.Errorf("%s: Translate() = %v, want *AccessError", tt.name, err)
			} else if ae.Addr != tt.addr {
				t.Errorf("%s: Addr = 0x%x, want 0x%x", tt.name, ae.Addr, tt.addr)
			}
		}
	}
}

// TestReadWrite tests the bounds-checked accessors.
func TestReadWrite(t *testing.T) {
	mem, _ := DefaultLayout.Build(nil, nil)

	if err := mem.Write32(StackAddress+16, 0xcafebabe); err != nil {
		t.Fatalf("Write32() failed: %v", err)
	}
	v, err := mem.Read32(StackAddress + 16)
	if err != nil || v != 0xcafebabe {
		t.Errorf("Read32() = 0x%x, %v", v, err)
	}

	buf := make([]byte, 4)
	if err := mem.Read(StackAddress+16, buf); err != nil || buf[0] != 0xbe {
		t.Errorf("Read() = % x, %v", buf, err)
	}
	if err := mem.Write(CodeAddress, []byte{0xcc}); err == nil {
		t.Error("Write(code) succeeded")
	}
}

// TestFetch tests the instruction window.
func TestFetch(t *testing.T) {
	mem, _ := DefaultLayout.Build([]byte{0x90, 0xF4}, nil)

	w, err := mem.Fetch(CodeAddress, maxInstructionLen)
	if err != nil || len(w) != maxInstructionLen || w[1] != 0xF4 {
		t.Errorf("Fetch(code) = % x, %v", w, err)
	}

	w, err = mem.Fetch(CodeAddress+MaxCodeSize-3, maxInstructionLen)
	if err != nil || len(w) != 3 {
		t.Errorf("Fetch(code end) len = %d, %v", len(w), err)
	}

	var ae *AccessError
	if _, err := mem.Fetch(DataAddress, 1); !errors.As(err, &ae) || ae.Region != "data" || ae.Access != AccessExec {
		t.Errorf("Fetch(data) = %v, want exec AccessError", err)
	}
}

// TestDigest tests that the digest tracks memory contents.
func TestDigest(t *testing.T) {
	a, _ := DefaultLayout.Build([]byte{0xF4}, nil)
	b, _ := DefaultLayout.Build([]byte{0xF4}, nil)

	if a.Digest() != b.Digest() {
		t.Fatal("identical sandboxes digest differently")
	}
	if err := b.Write32(StackAddress, 1); err != nil {
		t.Fatal(err)
	}
	if a.Digest() == b.Digest() {
		t.Error("digest ignores stack contents")
	}
}

func TestAccessString(t *testing.T) {
	if s := (AccessRead | AccessExec).String(); s != "r-x" {
		t.Errorf("String() = %q, want r-x", s)
	}
}
