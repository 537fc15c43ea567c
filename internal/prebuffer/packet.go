package prebuffer

import "time"

// Packet is an opaque compressed media unit with exclusive-ownership, cheap
// clone semantics: the payload is owned by exactly one
// holder, and Clone's copy may be freed independently of the original —
// Go's slice-copy-on-clone gives us this for free, no refcounting needed.
type Packet struct {
	Payload    []byte
	PTS        int64
	DTS        int64
	StreamIdx  int
	Keyframe   bool
	ArrivedAt  time.Time
}

// Clone returns an independently-owned copy of p. The clone's Payload may
// be mutated or freed without affecting the original.
func (p Packet) Clone() Packet {
	cp := p
	cp.Payload = append([]byte(nil), p.Payload...)
	return cp
}

// Size returns the packet's accounted byte size.
func (p Packet) Size() int {
	return len(p.Payload)
}

// IsEmpty reports whether p carries no payload.
func (p Packet) IsEmpty() bool {
	return len(p.Payload) == 0
}
