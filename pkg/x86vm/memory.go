package x86vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/x86vm/internal/types"
)

// pageSize is the mapping granularity required of every region.
const pageSize = uint32(0x1000)

// maxInstructionLen is the longest legal x86 encoding.
const maxInstructionLen = 15

// Access is a set of permissions on a region.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	b := []byte("---")
	if a&AccessRead != 0 {
		b[0] = 'r'
	}
	if a&AccessWrite != 0 {
		b[1] = 'w'
	}
	if a&AccessExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one contiguous range of sandbox memory.
type Region struct {
	Name   string
	Base   uint32
	Size   uint32
	Access Access

	mem []byte
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr, size uint32) bool {
	end := uint64(addr) + uint64(size)
	return addr >= r.Base && end <= r.End()
}

// Bytes returns the backing memory of a built region.
func (r *Region) Bytes() []byte {
	return r.mem
}

// AccessError reports a guest access that no region permits.
type AccessError struct {
	Addr   uint32
	Size   uint32
	Access Access
	Region string // empty when the address is unmapped
}

func (e *AccessError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("%v: %s of %d bytes at 0x%08x (unmapped)", ErrInvalidMemoryAccess, e.Access, e.Size, e.Addr)
	}
	return fmt.Sprintf("%v: %s of %d bytes at 0x%08x (%s region)", ErrInvalidMemoryAccess, e.Access, e.Size, e.Addr, e.Region)
}

func (e *AccessError) Unwrap() error {
	return ErrInvalidMemoryAccess
}

// Layout describes where the three regions of a sandbox live.
type Layout struct {
	Code  Region
	Data  Region
	Stack Region
}

// DefaultLayout is the fixed sandbox layout contracts are compiled against.
var DefaultLayout = Layout{
	Code:  Region{Name: "code", Base: CodeAddress, Size: MaxCodeSize, Access: AccessRead | AccessExec},
	Data:  Region{Name: "data", Base: DataAddress, Size: MaxDataSize, Access: AccessRead | AccessWrite},
	Stack: Region{Name: "stack", Base: StackAddress, Size: MaxStackSize, Access: AccessRead | AccessWrite},
}

func (l Layout) regions() []Region {
	return []Region{l.Code, l.Data, l.Stack}
}

// Validate checks that regions are page aligned, non-empty, inside the 32-bit
// address space and pairwise disjoint.
func (l Layout) Validate() error {
	regions := l.regions()
	for _, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("%w: %s region is empty", ErrInvalidLayout, r.Name)
		}
		if r.Base%pageSize != 0 || r.Size%pageSize != 0 {
			return fmt.Errorf("%w: %s region not page aligned", ErrInvalidLayout, r.Name)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("%w: %s region wraps the address space", ErrInvalidLayout, r.Name)
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	for i := 1; i < len(regions); i++ {
		if uint64(regions[i].Base) < regions[i-1].End() {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidLayout, regions[i].Name, regions[i-1].Name)
		}
	}
	if !l.Data.Contains(InterruptTableAddress, InterruptTableSize) {
		return fmt.Errorf("%w: interrupt table outside data region", ErrInvalidLayout)
	}
	return nil
}

// Build allocates zero-filled regions and copies code and data to the start
// of their regions. Sizes are checked before anything is allocated.
func (l Layout) Build(code, data []byte) (*SandboxMemory, error) {
	if uint64(len(code)) > uint64(l.Code.Size) {
		return nil, fmt.Errorf("%w: %d > %d", ErrCodeTooLarge, len(code), l.Code.Size)
	}
	if uint64(len(data)) > uint64(l.Data.Size) {
		return nil, fmt.Errorf("%w: %d > %d", ErrDataTooLarge, len(data), l.Data.Size)
	}

	m := &SandboxMemory{}
	for _, tmpl := range l.regions() {
		r := tmpl
		r.mem = make([]byte, r.Size)
		m.regions = append(m.regions, &r)
	}
	copy(m.regions[0].mem, code)
	copy(m.regions[1].mem, data)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return m, nil
}

// SandboxMemory is the memory of one invocation. It is not safe for
// concurrent use.
type SandboxMemory struct {
	regions []*Region // sorted by base
}

// Regions returns the regions in address order.
func (m *SandboxMemory) Regions() []*Region {
	return m.regions
}

// Region returns the region with the given name.
func (m *SandboxMemory) Region(name string) *Region {
	for _, r := range m.regions {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (m *SandboxMemory) find(addr uint32) *Region {
	for _, r := range m.regions {
		if addr >= r.Base && uint64(addr) < r.End() {
			return r
		}
	}
	return nil
}

// Check verifies that [addr, addr+size) lies in a single region granting
// want. Zero-sized accesses always succeed and return a nil region.
func (m *SandboxMemory) Check(addr, size uint32, want Access) (*Region, error) {
	if size == 0 {
		return nil, nil
	}
	r := m.find(addr)
	if r == nil {
		return nil, &AccessError{Addr: addr, Size: size, Access: want}
	}
	if !r.Contains(addr, size) || r.Access&want != want {
		return nil, &AccessError{Addr: addr, Size: size, Access: want, Region: r.Name}
	}
	return r, nil
}

// Translate returns the host slice backing [addr, addr+size).
func (m *SandboxMemory) Translate(addr, size uint32, write bool) ([]byte, error) {
	want := AccessRead
	if write {
		want = AccessWrite
	}
	r, err := m.Check(addr, size, want)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	off := addr - r.Base
	return r.mem[off : off+size], nil
}

// Read copies len(p) bytes at addr into p.
func (m *SandboxMemory) Read(addr uint32, p []byte) error {
	mem, err := m.Translate(addr, uint32(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p to addr.
func (m *SandboxMemory) Write(addr uint32, p []byte) error {
	mem, err := m.Translate(addr, uint32(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Read32 reads a little-endian uint32.
func (m *SandboxMemory) Read32(addr uint32) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Write32 writes a little-endian uint32.
func (m *SandboxMemory) Write32(addr uint32, v uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, v)
	return nil
}

// Fetch returns up to max bytes of executable memory starting at addr,
// truncated at the end of the region.
func (m *SandboxMemory) Fetch(addr uint32, max int) ([]byte, error) {
	r := m.find(addr)
	if r == nil || r.Access&AccessExec == 0 {
		ae := &AccessError{Addr: addr, Size: 1, Access: AccessExec}
		if r != nil {
			ae.Region = r.Name
		}
		return nil, ae
	}
	off := uint64(addr - r.Base)
	end := off + uint64(max)
	if end > uint64(r.Size) {
		end = uint64(r.Size)
	}
	return r.mem[off:end], nil
}

// Digest hashes every region (name, base, size and contents) in address order.
func (m *SandboxMemory) Digest() types.Hash {
	h := blake3.New()
	var hdr [8]byte
	for _, r := range m.regions {
		h.Write([]byte(r.Name))
		binary.LittleEndian.PutUint32(hdr[0:4], r.Base)
		binary.LittleEndian.PutUint32(hdr[4:8], r.Size)
		h.Write(hdr[:])
		h.Write(r.mem)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String lists the regions, one per line.
func (m *SandboxMemory) String() string {
	var sb strings.Builder
	for _, r := range m.regions {
		fmt.Fprintf(&sb, "%-5s 0x%08x-0x%08x %s\n", r.Name, r.Base, r.End(), r.Access)
	}
	return sb.String()
}
