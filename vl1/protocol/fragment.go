package protocol

import (
	"github.com/kelindar/bitmap"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

const (
	// DefaultMaxInFlight bounds concurrent reassemblies per source.
	DefaultMaxInFlight = 32
	// DefaultFragmentTimeout is how long, in ticks, an incomplete packet is kept.
	DefaultFragmentTimeout = 1500
)

// FragmentCount returns how many frames a packet of size n needs at the given MTU.
func FragmentCount(n, mtu int) int {
	if n <= mtu {
		return 1
	}
	tail := mtu - FragmentHeaderSize
	return 1 + (n-mtu+tail-1)/tail
}

// Fragment splits an armored packet into frames no larger than mtu and passes
// each to emit in order. A packet that fits is emitted unchanged. Otherwise the
// head frame is the first mtu bytes with the fragmented flag set and every other
// frame is a FragmentHeader followed by the next mtu-16 bytes.
//
// emit receives a buffer that is reused for the next frame.
func Fragment(packet []byte, mtu int, emit func(frame []byte) error) error {
	if len(packet) < HeaderSize {
		return Invalid("packet shorter than header")
	}
	if mtu < MinMTU {
		return ErrInvalidParameter
	}
	if len(packet) <= mtu {
		return emit(packet)
	}
	total := FragmentCount(len(packet), mtu)
	if total > FragmentCountMax {
		return ErrDataTooLarge
	}

	buf := make([]byte, mtu)
	copy(buf, packet[:mtu])
	buf[18] |= flagFragmented
	if err := emit(buf); err != nil {
		return err
	}

	fh := FragmentHeader{
		ID:    PacketIDFromBytes(packet[0:8]),
		Total: total,
		Hops:  int(packet[18] & flagsHopsMask),
	}
	fh.Dest, _ = identity.AddressFromBytes(packet[8:13])
	chunk := mtu - FragmentHeaderSize
	rest := packet[mtu:]
	for no := 1; no < total; no++ {
		n := min(chunk, len(rest))
		fh.No = no
		fh.Put(buf)
		copy(buf[FragmentHeaderSize:], rest[:n])
		if err := emit(buf[:FragmentHeaderSize+n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

type reassembly struct {
	created  int64
	total    int
	size     int
	received bitmap.Bitmap
	frames   [FragmentCountMax][]byte
}

func (r *reassembly) complete() bool {
	return r.total > 0 && r.received.Count() == r.total
}

// Defragmenter reassembles fragmented packets received from sources of type K,
// typically the physical path a frame arrived on. It is not safe for concurrent use.
type Defragmenter[K comparable] struct {
	maxInFlight int
	timeout     int64
	sources     map[K]map[PacketID]*reassembly

	// OnEvict, if set, is called for every incomplete packet dropped by
	// eviction or timeout.
	OnEvict func(source K, id PacketID)
}

// NewDefragmenter returns a Defragmenter keeping at most maxInFlight incomplete
// packets per source for at most timeout ticks. Zero values select the defaults.
func NewDefragmenter[K comparable](maxInFlight int, timeout int64) *Defragmenter[K] {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if timeout <= 0 {
		timeout = DefaultFragmentTimeout
	}
	return &Defragmenter[K]{
		maxInFlight: maxInFlight,
		timeout:     timeout,
		sources:     make(map[K]map[PacketID]*reassembly),
	}
}

// Receive accepts a head frame (a packet with the fragmented flag set) or a
// fragment frame. When the last missing piece arrives it returns the whole packet
// with the fragmented flag cleared and true. Duplicates are ignored.
func (d *Defragmenter[K]) Receive(source K, frame []byte, now int64) ([]byte, bool, error) {
	if len(frame) > PacketSizeMax {
		return nil, false, ErrDataTooLarge
	}
	var (
		id    PacketID
		no    int
		total int
		data  []byte
	)
	if IsFragment(frame) {
		fh, err := ParseFragmentHeader(frame)
		if err != nil {
			return nil, false, err
		}
		id, no, total = fh.ID, fh.No, fh.Total
		data = frame[FragmentHeaderSize:]
	} else {
		if len(frame) < HeaderSize {
			return nil, false, Invalid("head frame shorter than header")
		}
		if frame[18]&flagFragmented == 0 {
			return nil, false, Invalid("head frame without fragmented flag")
		}
		id = PacketIDFromBytes(frame[0:8])
		data = frame
	}

	r := d.lookup(source, id, now)
	if total != 0 {
		if r.total != 0 && r.total != total {
			d.drop(source, id)
			return nil, false, Invalid("fragment total changed from %d to %d", r.total, total)
		}
		r.total = total
	}
	if r.received.Contains(uint32(no)) {
		return nil, false, nil
	}
	if r.size+len(data) > PacketSizeMax {
		d.drop(source, id)
		return nil, false, ErrDataTooLarge
	}
	r.received.Set(uint32(no))
	r.frames[no] = append([]byte(nil), data...)
	r.size += len(data)

	if !r.complete() {
		return nil, false, nil
	}
	d.remove(source, id)
	if r.frames[0] == nil {
		return nil, false, Invalid("reassembled packet has no head")
	}

	packet := make([]byte, 0, r.size)
	for i := 0; i < r.total; i++ {
		packet = append(packet, r.frames[i]...)
	}
	packet[18] &^= flagFragmented
	return packet, true, nil
}

func (d *Defragmenter[K]) lookup(source K, id PacketID, now int64) *reassembly {
	if r, ok := d.sources[source][id]; ok {
		return r
	}
	if m := d.sources[source]; len(m) >= d.maxInFlight {
		d.evictOne(source, m)
	}
	// Eviction may have removed the source's map.
	m := d.sources[source]
	if m == nil {
		m = make(map[PacketID]*reassembly)
		d.sources[source] = m
	}
	r := &reassembly{created: now}
	m[id] = r
	return r
}

// evictOne drops the oldest reassembly, preferring the least complete among equals.
func (d *Defragmenter[K]) evictOne(source K, m map[PacketID]*reassembly) {
	var (
		victim PacketID
		vr     *reassembly
	)
	for id, r := range m {
		if vr == nil || r.created < vr.created ||
			(r.created == vr.created && r.received.Count() < vr.received.Count()) {
			victim, vr = id, r
		}
	}
	if vr != nil {
		d.drop(source, victim)
	}
}

func (d *Defragmenter[K]) drop(source K, id PacketID) {
	d.remove(source, id)
	if d.OnEvict != nil {
		d.OnEvict(source, id)
	}
}

func (d *Defragmenter[K]) remove(source K, id PacketID) {
	m := d.sources[source]
	delete(m, id)
	if len(m) == 0 {
		delete(d.sources, source)
	}
}

// OnInterval drops incomplete packets older than the timeout.
func (d *Defragmenter[K]) OnInterval(now int64) {
	for source, m := range d.sources {
		for id, r := range m {
			if now-r.created > d.timeout {
				d.drop(source, id)
			}
		}
	}
}

// InFlight returns the number of incomplete packets held for source.
func (d *Defragmenter[K]) InFlight(source K) int {
	return len(d.sources[source])
}
