package protocol

import (
	"encoding/binary"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// NewPacket builds an unarmored packet: header, verb byte and body.
func NewPacket(id PacketID, dest, src identity.Address, verb Verb, body []byte) []byte {
	h := Header{ID: id, Dest: dest, Src: src}
	b := make([]byte, 0, MinPacketSize+len(body))
	b = h.AppendTo(b)
	b = append(b, byte(verb))
	return append(b, body...)
}

// PacketVerb returns the verb and flags of a dearmored packet.
func PacketVerb(packet []byte) (Verb, byte, error) {
	if len(packet) < MinPacketSize {
		return 0, 0, Invalid("packet has no verb")
	}
	v, f := SplitVerb(packet[VerbIndex])
	return v, f, nil
}

// AppendWhois appends a WHOIS request body: a run of 5-byte addresses.
func AppendWhois(b []byte, addrs []identity.Address) []byte {
	for _, a := range addrs {
		ab := a.Bytes()
		b = append(b, ab[:]...)
	}
	return b
}

// ParseWhois decodes a WHOIS request body.
func ParseWhois(body []byte) ([]identity.Address, error) {
	if len(body) == 0 || len(body)%identity.AddressSize != 0 {
		return nil, Invalid("whois body of %d bytes", len(body))
	}
	addrs := make([]identity.Address, 0, len(body)/identity.AddressSize)
	for i := 0; i < len(body); i += identity.AddressSize {
		a, _ := identity.AddressFromBytes(body[i:])
		if !a.IsValid() {
			return nil, Invalid("whois for invalid address %s", a)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// MaxWhoisBatch is how many addresses fit one unfragmented WHOIS at DefaultMTU.
const MaxWhoisBatch = (DefaultMTU - MinPacketSize - 48) / identity.AddressSize

// InRe identifies the request an OK or ERROR answers.
type InRe struct {
	Verb Verb
	ID   PacketID
}

const inReSize = 9

func (r InRe) appendTo(b []byte) []byte {
	var id [8]byte
	r.ID.PutBytes(id[:])
	b = append(b, byte(r.Verb))
	return append(b, id[:]...)
}

func parseInRe(body []byte) (InRe, []byte, error) {
	if len(body) < inReSize {
		return InRe{}, nil, Invalid("in-re header truncated")
	}
	v, _ := SplitVerb(body[0])
	return InRe{Verb: v, ID: PacketIDFromBytes(body[1:9])}, body[inReSize:], nil
}

// AppendOK appends an OK body header; the verb specific reply follows.
func AppendOK(b []byte, inRe InRe) []byte {
	return inRe.appendTo(b)
}

// ParseOK splits an OK body into its in-re header and the verb specific reply.
func ParseOK(body []byte) (InRe, []byte, error) {
	return parseInRe(body)
}

// AppendError appends an ERROR body.
func AppendError(b []byte, inRe InRe, code ErrorCode) []byte {
	b = inRe.appendTo(b)
	return append(b, byte(code))
}

// ParseError decodes an ERROR body.
func ParseError(body []byte) (InRe, ErrorCode, []byte, error) {
	inRe, rest, err := parseInRe(body)
	if err != nil {
		return InRe{}, 0, nil, err
	}
	if len(rest) < 1 {
		return InRe{}, 0, nil, Invalid("error code missing")
	}
	return inRe, ErrorCode(rest[0]), rest[1:], nil
}

// AppendIdentities appends the public records of ids, the reply to a WHOIS.
func AppendIdentities(b []byte, ids []*identity.Identity) []byte {
	for _, id := range ids {
		b = id.AppendPublic(b)
	}
	return b
}

// ParseIdentities decodes a run of public identity records. Each is validated
// before being returned.
func ParseIdentities(b []byte) ([]*identity.Identity, error) {
	var ids []*identity.Identity
	for len(b) > 0 {
		id, n, err := identity.UnmarshalIdentity(b)
		if err != nil {
			return nil, Invalid("identity record: %v", err)
		}
		if err := id.Validate(); err != nil {
			return nil, Invalid("identity record: %v", err)
		}
		ids = append(ids, id)
		b = b[n:]
	}
	return ids, nil
}

// UserMessage is an application message carried by VerbUserMessage.
type UserMessage struct {
	Type uint64
	Data []byte
}

// AppendUserMessage appends a USER_MESSAGE body.
func AppendUserMessage(b []byte, m UserMessage) []byte {
	b = binary.BigEndian.AppendUint64(b, m.Type)
	return append(b, m.Data...)
}

// ParseUserMessage decodes a USER_MESSAGE body. Data aliases body.
func ParseUserMessage(body []byte) (UserMessage, error) {
	if len(body) < 8 {
		return UserMessage{}, Invalid("user message truncated")
	}
	return UserMessage{Type: binary.BigEndian.Uint64(body[:8]), Data: body[8:]}, nil
}
