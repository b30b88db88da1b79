package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/mavctl/internal/protocol"
)

type State uint8

const (
	StateSeekingMagic State = iota
	StateReadingHeader
	StateReadingPayload
	StateReadingChecksum
	StateReadingSignature
)

func (s State) String() string {
	switch s {
	case StateSeekingMagic:
		return "seeking_magic"
	case StateReadingHeader:
		return "reading_header"
	case StateReadingPayload:
		return "reading_payload"
	case StateReadingChecksum:
		return "reading_checksum"
	case StateReadingSignature:
		return "reading_signature"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Stats counts parser outcomes since construction.
type Stats struct {
	Frames            uint64
	ChecksumFailures  uint64
	SignatureFailures uint64
	UnknownMessages   uint64
	MalformedFrames   uint64
	BytesDiscarded    uint64
}

type ParserOption func(*Parser)

// WithVerifier checks signed MAVLink 2 frames. Without one, signatures are
// carried but not checked.
func WithVerifier(v Verifier) ParserOption {
	return func(p *Parser) {
		p.verifier = v
	}
}

// Parser reassembles frames from a byte stream one byte at a time. One
// Parser serves one inbound source and is not safe for concurrent use.
type Parser struct {
	set      *protocol.MessageSet
	verifier Verifier

	state      State
	buf        [MaxFrameLen]byte
	n          int
	headerLen  int
	payloadLen int
	signed     bool

	stats Stats
}

func NewParser(set *protocol.MessageSet, opts ...ParserOption) *Parser {
	p := &Parser{set: set}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parser) State() State {
	return p.state
}

func (p *Parser) Stats() Stats {
	return p.stats
}

// Reset drops any partial frame.
func (p *Parser) Reset() {
	p.state = StateSeekingMagic
	p.n = 0
	p.headerLen = 0
	p.payloadLen = 0
	p.signed = false
}

// Push consumes one byte. It returns a message when b completes a valid
// frame, an error when b completes a frame that had to be discarded, and
// nil, nil otherwise.
func (p *Parser) Push(b byte) (*protocol.Message, error) {
	switch p.state {
	case StateSeekingMagic:
		switch b {
		case protocol.MagicV2:
			p.headerLen = protocol.HeaderLenV2
		case protocol.MagicV1:
			p.headerLen = protocol.HeaderLenV1
		default:
			p.stats.BytesDiscarded++
			return nil, nil
		}
		p.buf[0] = b
		p.n = 1
		p.state = StateReadingHeader
		return nil, nil

	case StateReadingHeader:
		p.buf[p.n] = b
		p.n++
		if p.n < p.headerLen {
			return nil, nil
		}
		p.payloadLen = int(p.buf[1])
		p.signed = p.buf[0] == protocol.MagicV2 && p.buf[2]&FlagSigned != 0
		if p.payloadLen == 0 {
			p.state = StateReadingChecksum
		} else {
			p.state = StateReadingPayload
		}
		return nil, nil

	case StateReadingPayload:
		p.buf[p.n] = b
		p.n++
		if p.n == p.headerLen+p.payloadLen {
			p.state = StateReadingChecksum
		}
		return nil, nil

	case StateReadingChecksum:
		p.buf[p.n] = b
		p.n++
		if p.n < p.headerLen+p.payloadLen+protocol.ChecksumLen {
			return nil, nil
		}
		if p.signed {
			p.state = StateReadingSignature
			return nil, nil
		}
		return p.complete()

	case StateReadingSignature:
		p.buf[p.n] = b
		p.n++
		if p.n < p.headerLen+p.payloadLen+protocol.ChecksumLen+protocol.SignatureLen {
			return nil, nil
		}
		return p.complete()
	}

	p.Reset()
	return nil, nil
}

// Feed pushes every byte of data and reports each completed frame to fn in
// stream order.
func (p *Parser) Feed(data []byte, fn func(*protocol.Message, error)) {
	for _, b := range data {
		msg, err := p.Push(b)
		if msg != nil || err != nil {
			fn(msg, err)
		}
	}
}

func (p *Parser) complete() (*protocol.Message, error) {
	defer p.Reset()

	frameLen := p.headerLen + p.payloadLen + protocol.ChecksumLen
	raw := p.buf[:p.n]
	v2 := raw[0] == protocol.MagicV2

	var id uint32
	if v2 {
		id = uint32(raw[7]) | uint32(raw[8])<<8 | uint32(raw[9])<<16
	} else {
		id = uint32(raw[5])
	}

	def, ok := p.set.LookupByID(id)
	if !ok {
		p.stats.UnknownMessages++
		return nil, fmt.Errorf("%w: id=%d", protocol.ErrUnknownMessage, id)
	}

	body := raw[1 : p.headerLen+p.payloadLen]
	want := binary.LittleEndian.Uint16(raw[p.headerLen+p.payloadLen : frameLen])
	if got := checksum(body, def.CRCExtra()); got != want {
		p.stats.ChecksumFailures++
		return nil, fmt.Errorf("%w: message=%s got=%#04x want=%#04x", ErrChecksumFailed, def.Name(), got, want)
	}

	if p.signed && p.verifier != nil {
		if err := p.verifier.Verify(raw[:frameLen], raw[frameLen:]); err != nil {
			p.stats.SignatureFailures++
			return nil, fmt.Errorf("%w: message=%s: %w", ErrSignatureFailed, def.Name(), err)
		}
	}

	msg := protocol.NewMessage(def)
	if err := msg.UnmarshalPayload(raw[p.headerLen : p.headerLen+p.payloadLen]); err != nil {
		p.stats.MalformedFrames++
		return nil, err
	}

	h := protocol.Header{
		Magic:     raw[0],
		Len:       raw[1],
		MessageID: id,
	}
	if v2 {
		h.IncompatFlags = raw[2]
		h.CompatFlags = raw[3]
		h.Seq = raw[4]
		h.SystemID = raw[5]
		h.ComponentID = raw[6]
	} else {
		h.Seq = raw[2]
		h.SystemID = raw[3]
		h.ComponentID = raw[4]
	}
	msg.SetHeader(h)
	p.stats.Frames++
	return msg, nil
}
