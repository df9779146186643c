package protocol

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

func testPacket(t *testing.T, payload int, seed uint64) []byte {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, seed+1))
	h := Header{
		ID:   PacketID(r.Uint64()),
		Dest: identity.AddressFromUint64(0x0102030405),
		Src:  identity.AddressFromUint64(0x0a0b0c0d0e),
	}
	h.SetCipher(CipherAESGMACSIV)
	p := h.AppendTo(nil)
	for i := 0; i < payload; i++ {
		p = append(p, byte(r.Uint32()))
	}
	return p
}

func split(t *testing.T, packet []byte, mtu int) [][]byte {
	t.Helper()
	var frames [][]byte
	err := Fragment(packet, mtu, func(f []byte) error {
		frames = append(frames, append([]byte(nil), f...))
		return nil
	})
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	return frames
}

func TestFragmentSmallPacketUnchanged(t *testing.T) {
	p := testPacket(t, 100, 1)
	frames := split(t, p, DefaultMTU)
	if len(frames) != 1 || !bytes.Equal(frames[0], p) {
		t.Fatalf("expected packet emitted as is")
	}
}

func TestFragmentShuffledReassembly(t *testing.T) {
	const mtu = 720
	packet := testPacket(t, 11000, 42)
	frames := split(t, packet, mtu)
	if len(frames) != FragmentCountMax {
		t.Fatalf("expected %d frames, got %d", FragmentCountMax, len(frames))
	}
	for i, f := range frames {
		if len(f) > mtu {
			t.Fatalf("frame %d is %d bytes", i, len(f))
		}
	}

	r := rand.New(rand.NewPCG(7, 9))
	r.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })

	d := NewDefragmenter[string](0, 0)
	var out []byte
	for i, f := range frames {
		p, ok, err := d.Receive("peer", f, 10)
		if err != nil {
			t.Fatalf("Receive frame %d: %v", i, err)
		}
		if ok {
			if i != len(frames)-1 {
				t.Fatalf("assembled early at frame %d", i)
			}
			out = p
		}
	}
	if !bytes.Equal(out, packet) {
		t.Fatalf("reassembled packet differs from original")
	}
	if d.InFlight("peer") != 0 {
		t.Fatalf("completed packet still tracked")
	}
}

func TestFragmentMissingPieceNotDelivered(t *testing.T) {
	packet := testPacket(t, 11000, 43)
	frames := split(t, packet, 720)
	d := NewDefragmenter[string](0, 0)
	for _, f := range frames[:len(frames)-1] {
		if _, ok, err := d.Receive("peer", f, 0); err != nil || ok {
			t.Fatalf("unexpected result ok=%v err=%v", ok, err)
		}
	}
	if d.InFlight("peer") != 1 {
		t.Fatalf("expected one incomplete packet")
	}
}

func TestFragmentDuplicatesIgnored(t *testing.T) {
	packet := testPacket(t, 3000, 44)
	frames := split(t, packet, DefaultMTU)
	d := NewDefragmenter[string](0, 0)
	for _, f := range frames[:len(frames)-1] {
		d.Receive("peer", f, 0)
		d.Receive("peer", f, 0)
	}
	out, ok, err := d.Receive("peer", frames[len(frames)-1], 0)
	if err != nil || !ok {
		t.Fatalf("expected completion, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(out, packet) {
		t.Fatalf("reassembled packet differs")
	}
}

func TestFragmentTooLarge(t *testing.T) {
	packet := testPacket(t, 20000, 45)
	err := Fragment(packet, 720, func([]byte) error { return nil })
	if KindOf(err) != KindDataTooLarge {
		t.Fatalf("expected data too large, got %v", err)
	}
}

func TestFragmentSourcesSeparated(t *testing.T) {
	packet := testPacket(t, 3000, 46)
	frames := split(t, packet, DefaultMTU)
	d := NewDefragmenter[string](0, 0)
	d.Receive("a", frames[0], 0)
	for _, f := range frames[1:] {
		if _, ok, _ := d.Receive("b", f, 0); ok {
			t.Fatalf("fragments from different sources were combined")
		}
	}
}

func TestDefragmenterEvictsOldest(t *testing.T) {
	d := NewDefragmenter[string](2, 0)
	var evicted []PacketID
	d.OnEvict = func(_ string, id PacketID) { evicted = append(evicted, id) }

	heads := make([][]byte, 3)
	for i := range heads {
		frames := split(t, testPacket(t, 3000, uint64(100+i)), DefaultMTU)
		heads[i] = frames[0]
		if _, _, err := d.Receive("peer", heads[i], int64(i)); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if d.InFlight("peer") != 2 {
		t.Fatalf("in flight = %d", d.InFlight("peer"))
	}
	if len(evicted) != 1 || evicted[0] != PacketIDFromBytes(heads[0][:8]) {
		t.Fatalf("expected oldest evicted, got %v", evicted)
	}
}

func TestDefragmenterTimeout(t *testing.T) {
	d := NewDefragmenter[string](0, 100)
	frames := split(t, testPacket(t, 3000, 47), DefaultMTU)
	d.Receive("peer", frames[0], 0)
	d.OnInterval(50)
	if d.InFlight("peer") != 1 {
		t.Fatalf("dropped before timeout")
	}
	d.OnInterval(101)
	if d.InFlight("peer") != 0 {
		t.Fatalf("not dropped after timeout")
	}
}

func TestDefragmenterRejectsUnflaggedHead(t *testing.T) {
	d := NewDefragmenter[string](0, 0)
	p := testPacket(t, 10, 48)
	if _, _, err := d.Receive("peer", p, 0); KindOf(err) != KindInvalidPacket {
		t.Fatalf("expected invalid packet, got %v", err)
	}
}

func TestDefragmenterSingleSlotCompletesAfterEviction(t *testing.T) {
	d := NewDefragmenter[string](1, 0)
	a := split(t, testPacket(t, 3000, 200), DefaultMTU)
	b := testPacket(t, 3000, 201)
	if _, _, err := d.Receive("peer", a[0], 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	var out []byte
	for i, f := range split(t, b, DefaultMTU) {
		p, ok, err := d.Receive("peer", f, 1)
		if err != nil {
			t.Fatalf("Receive frame %d: %v", i, err)
		}
		if ok {
			out = p
		}
	}
	if !bytes.Equal(out, b) {
		t.Fatalf("packet not reassembled after evicting the previous one")
	}
	if d.InFlight("peer") != 0 {
		t.Fatalf("in flight = %d", d.InFlight("peer"))
	}
}

func TestDefragmenterEvictsLeastCompleteOnTie(t *testing.T) {
	d := NewDefragmenter[string](2, 0)
	var evicted []PacketID
	d.OnEvict = func(_ string, id PacketID) { evicted = append(evicted, id) }

	a := split(t, testPacket(t, 3000, 300), DefaultMTU)
	b := split(t, testPacket(t, 3000, 301), DefaultMTU)
	c := split(t, testPacket(t, 3000, 302), DefaultMTU)
	for _, f := range [][]byte{a[0], a[1], b[0], c[0]} {
		if _, _, err := d.Receive("peer", f, 5); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if len(evicted) != 1 || evicted[0] != PacketIDFromBytes(b[0][:8]) {
		t.Fatalf("expected the least complete packet evicted, got %v", evicted)
	}
}

func TestDefragmenterRejectsOversizedPacket(t *testing.T) {
	d := NewDefragmenter[string](0, 0)
	frames := split(t, testPacket(t, 60000, 400), 9000)
	if _, _, err := d.Receive("peer", frames[0], 0); err != nil {
		t.Fatalf("Receive head: %v", err)
	}
	if _, ok, err := d.Receive("peer", frames[1], 0); ok || KindOf(err) != KindDataTooLarge {
		t.Fatalf("expected data too large, ok=%v err=%v", ok, err)
	}
	if d.InFlight("peer") != 0 {
		t.Fatalf("oversized packet still tracked")
	}

	big := make([]byte, PacketSizeMax+1)
	copy(big, frames[0])
	if _, _, err := d.Receive("peer", big, 0); KindOf(err) != KindDataTooLarge {
		t.Fatalf("expected data too large for a single frame, got %v", err)
	}
}
