package protocol

// Verb identifies the message carried by a packet. It occupies the low five bits
// of the first payload byte.
type Verb uint8

const (
	VerbNop         Verb = 0x00
	VerbHello       Verb = 0x01
	VerbError       Verb = 0x02
	VerbOK          Verb = 0x03
	VerbWhois       Verb = 0x04
	VerbEcho        Verb = 0x08
	VerbUserMessage Verb = 0x14
	VerbSession     Verb = 0x15
)

const (
	verbMask = 0x1f
	// VerbFlagExtendedAuthentication marks a payload followed by an HMAC-SHA384.
	VerbFlagExtendedAuthentication = 0x40
	// VerbFlagCompressed marks an LZ4 compressed payload.
	VerbFlagCompressed = 0x80

	// VerbIndex is the offset of the verb byte in a packet.
	VerbIndex = HeaderSize
	// MinPacketSize is a header plus the verb byte.
	MinPacketSize = HeaderSize + 1
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbError:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbEcho:
		return "ECHO"
	case VerbUserMessage:
		return "USER_MESSAGE"
	case VerbSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether v is a verb this implementation handles.
func (v Verb) Known() bool {
	return v.String() != "UNKNOWN"
}

// SplitVerb separates the verb from its flag bits.
func SplitVerb(b byte) (Verb, byte) {
	return Verb(b & verbMask), b &^ verbMask
}

// ErrorCode is carried by ERROR replies.
type ErrorCode uint8

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeInvalidRequest
	ErrorCodeBadProtocolVersion
	ErrorCodeObjectNotFound
	ErrorCodeUnsupportedOperation
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeInvalidRequest:
		return "invalid request"
	case ErrorCodeBadProtocolVersion:
		return "bad protocol version"
	case ErrorCodeObjectNotFound:
		return "object not found"
	case ErrorCodeUnsupportedOperation:
		return "unsupported operation"
	default:
		return "unknown"
	}
}
