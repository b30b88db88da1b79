package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/mavctl/internal/protocol"
)

const (
	// FlagSigned is the MAVLink 2 incompat flag marking a trailing signature.
	FlagSigned uint8 = 0x01

	MaxFrameLen = protocol.HeaderLenV2 + protocol.MaxPayloadLen + protocol.ChecksumLen + protocol.SignatureLen
)

var (
	ErrEncode          = errors.New("frame: encode failed")
	ErrChecksumFailed  = errors.New("frame: checksum mismatch")
	ErrSignatureFailed = errors.New("frame: signature rejected")
)

// Encoder turns messages into wire frames. The zero value encodes unsigned
// frames.
type Encoder struct {
	Signer Signer
}

// Encode frames msg without a signature.
func Encode(msg *protocol.Message) ([]byte, error) {
	return Encoder{}.Encode(msg)
}

// Encode frames msg as MAVLink 1 when its header magic is 0xFE and as
// MAVLink 2 otherwise. Header Seq, SystemID, ComponentID and flags are taken
// from the message as is.
func (e Encoder) Encode(msg *protocol.Message) ([]byte, error) {
	if msg == nil || msg.Definition() == nil {
		return nil, fmt.Errorf("%w: nil message", ErrEncode)
	}
	payload, err := msg.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if msg.Header().Magic == protocol.MagicV1 {
		return encodeV1(msg, payload)
	}
	return e.encodeV2(msg, payload)
}

func encodeV1(msg *protocol.Message, payload []byte) ([]byte, error) {
	def := msg.Definition()
	if def.ID() > 0xFF {
		return nil, fmt.Errorf("%w: message %s id %d does not fit MAVLink 1", ErrEncode, def.Name(), def.ID())
	}
	payload = payload[:def.BasePayloadSize()]
	h := msg.Header()

	buf := make([]byte, 0, protocol.HeaderLenV1+len(payload)+protocol.ChecksumLen)
	buf = append(buf,
		protocol.MagicV1,
		byte(len(payload)),
		h.Seq,
		h.SystemID,
		h.ComponentID,
		byte(def.ID()),
	)
	buf = append(buf, payload...)
	return appendChecksum(buf, def.CRCExtra()), nil
}

func (e Encoder) encodeV2(msg *protocol.Message, payload []byte) ([]byte, error) {
	def := msg.Definition()
	payload = truncatePayload(payload)
	h := msg.Header()

	incompat := h.IncompatFlags &^ FlagSigned
	if e.Signer != nil {
		incompat |= FlagSigned
	}

	buf := make([]byte, 0, protocol.HeaderLenV2+len(payload)+protocol.ChecksumLen+protocol.SignatureLen)
	buf = append(buf,
		protocol.MagicV2,
		byte(len(payload)),
		incompat,
		h.CompatFlags,
		h.Seq,
		h.SystemID,
		h.ComponentID,
		byte(def.ID()),
		byte(def.ID()>>8),
		byte(def.ID()>>16),
	)
	buf = append(buf, payload...)
	buf = appendChecksum(buf, def.CRCExtra())

	if e.Signer != nil {
		sig, err := e.Signer.Sign(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: sign: %w", ErrEncode, err)
		}
		if len(sig) != protocol.SignatureLen {
			return nil, fmt.Errorf("%w: signature length %d", ErrEncode, len(sig))
		}
		buf = append(buf, sig...)
	}
	return buf, nil
}

// truncatePayload drops trailing zero bytes, keeping at least one byte.
func truncatePayload(payload []byte) []byte {
	n := len(payload)
	for n > 1 && payload[n-1] == 0 {
		n--
	}
	return payload[:n]
}

// appendChecksum covers everything after the magic byte, then crc_extra.
func appendChecksum(buf []byte, crcExtra uint8) []byte {
	crc := checksum(buf[1:], crcExtra)
	return binary.LittleEndian.AppendUint16(buf, crc)
}

func checksum(body []byte, crcExtra uint8) uint16 {
	crc := protocol.NewCRC()
	crc.Accumulate(body)
	crc.AccumulateByte(crcExtra)
	return crc.CRC16()
}
