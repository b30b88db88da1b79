package frame

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/mavctl/internal/protocol"
)

func testSet(t *testing.T) *protocol.MessageSet {
	t.Helper()
	set := protocol.NewMessageSet()
	err := set.Merge(protocol.Fragment{Messages: []protocol.MessageSpec{
		{
			ID:   0,
			Name: "HEARTBEAT",
			Fields: []protocol.FieldSpec{
				{Name: "type", Type: protocol.TypeUint8},
				{Name: "autopilot", Type: protocol.TypeUint8},
				{Name: "base_mode", Type: protocol.TypeUint8},
				{Name: "custom_mode", Type: protocol.TypeUint32},
				{Name: "system_status", Type: protocol.TypeUint8},
				{Name: "mavlink_version", Type: protocol.TypeUint8},
			},
		},
		{
			ID:   9915,
			Name: "BIG_MESSAGE",
			Fields: []protocol.FieldSpec{
				{Name: "uint8_field", Type: protocol.TypeUint8},
				{Name: "float_field", Type: protocol.TypeFloat32},
				{Name: "char_arr_field", Type: protocol.TypeChar, ArrayLength: 20},
				{Name: "float_arr_field", Type: protocol.TypeFloat32, ArrayLength: 3},
			},
		},
		{
			ID:   200,
			Name: "EXTENDED",
			Fields: []protocol.FieldSpec{
				{Name: "a", Type: protocol.TypeInt16},
				{Name: "b", Type: protocol.TypeUint8},
				{Name: "ext", Type: protocol.TypeUint32, Extension: true},
			},
		},
	}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return set
}

func bigMessage(t *testing.T, set *protocol.MessageSet) *protocol.Message {
	t.Helper()
	msg, err := set.Create("BIG_MESSAGE")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = msg.SetFromMap(map[string]any{
		"uint8_field":     1,
		"float_field":     10.5,
		"char_arr_field":  "Hello world",
		"float_arr_field": []float64{1.0, 2.0, 3.0},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	return msg
}

func parseAll(t *testing.T, p *Parser, data []byte) ([]*protocol.Message, []error) {
	t.Helper()
	var msgs []*protocol.Message
	var errs []error
	p.Feed(data, func(m *protocol.Message, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		msgs = append(msgs, m)
	})
	return msgs, errs
}

func TestBigMessageRoundTrip(t *testing.T) {
	set := testSet(t)
	msg := bigMessage(t, set)
	wire, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	msgs, errs := parseAll(t, NewParser(set), wire)
	if len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("parse: msgs=%d errs=%v", len(msgs), errs)
	}
	got := msgs[0].ToMap()
	want := map[string]any{
		"uint8_field":     uint8(1),
		"float_field":     float32(10.5),
		"char_arr_field":  "Hello world",
		"float_arr_field": []float32{1.0, 2.0, 3.0},
		"_id":             uint32(9915),
		"_name":           "BIG_MESSAGE",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("decoded map:\n got=%v\nwant=%v", got, want)
	}
}

func TestEncodeV2Layout(t *testing.T) {
	set := testSet(t)
	msg := bigMessage(t, set)
	msg.SetHeader(protocol.Header{Seq: 7, SystemID: 1, ComponentID: 2})

	wire, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wire[0] != protocol.MagicV2 || wire[4] != 7 || wire[5] != 1 || wire[6] != 2 {
		t.Fatalf("header bytes: % x", wire[:10])
	}
	id := uint32(wire[7]) | uint32(wire[8])<<8 | uint32(wire[9])<<16
	if id != 9915 {
		t.Fatalf("message id: %d", id)
	}
	if len(wire) != protocol.HeaderLenV2+int(wire[1])+protocol.ChecksumLen {
		t.Fatalf("frame length %d with payload %d", len(wire), wire[1])
	}

	out, errs := parseAll(t, NewParser(set), wire)
	if len(errs) != 0 || len(out) != 1 {
		t.Fatalf("parse: %v", errs)
	}
	h := out[0].Header()
	if h.Seq != 7 || h.SystemID != 1 || h.ComponentID != 2 || h.MessageID != 9915 || h.Magic != protocol.MagicV2 {
		t.Fatalf("decoded header: %+v", h)
	}
}

func TestEncodeV2TruncatesTrailingZeros(t *testing.T) {
	set := testSet(t)
	msg, _ := set.Create("HEARTBEAT")

	wire, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wire[1] != 1 {
		t.Fatalf("all-zero payload length: %d", wire[1])
	}

	_ = msg.Set("type", 2)
	wire, _ = Encode(msg)
	// custom_mode occupies bytes 0-3, type is byte 4.
	if wire[1] != 5 {
		t.Fatalf("payload length: %d", wire[1])
	}
	out, errs := parseAll(t, NewParser(set), wire)
	if len(errs) != 0 || len(out) != 1 {
		t.Fatalf("parse: %v", errs)
	}
	if n, _ := out[0].GetUint("type"); n != 2 {
		t.Fatalf("type: %d", n)
	}
	if n, _ := out[0].GetUint("mavlink_version"); n != 0 {
		t.Fatalf("zero-extended field: %d", n)
	}
}

func TestEncodeV1(t *testing.T) {
	set := testSet(t)
	msg, _ := set.Create("EXTENDED")
	_ = msg.SetFromMap(map[string]any{"a": -2, "b": 0, "ext": 99})
	msg.SetHeader(protocol.Header{Magic: protocol.MagicV1, Seq: 3, SystemID: 4, ComponentID: 5})

	wire, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// v1 carries the base payload only and never truncates.
	if wire[0] != protocol.MagicV1 || wire[1] != 3 || wire[5] != 200 {
		t.Fatalf("v1 header: % x", wire[:6])
	}
	if len(wire) != protocol.HeaderLenV1+3+protocol.ChecksumLen {
		t.Fatalf("v1 length: %d", len(wire))
	}

	out, errs := parseAll(t, NewParser(set), wire)
	if len(errs) != 0 || len(out) != 1 {
		t.Fatalf("parse: %v", errs)
	}
	if n, _ := out[0].GetInt("a"); n != -2 {
		t.Fatalf("a: %d", n)
	}
	if n, _ := out[0].GetUint("ext"); n != 0 {
		t.Fatalf("extension should not travel over v1: %d", n)
	}
	if h := out[0].Header(); h.Magic != protocol.MagicV1 || h.Seq != 3 || h.SystemID != 4 || h.ComponentID != 5 {
		t.Fatalf("v1 header decode: %+v", h)
	}

	big := bigMessage(t, set)
	big.SetHeader(protocol.Header{Magic: protocol.MagicV1})
	if _, err := Encode(big); !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode for id > 255, got %v", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode for nil message, got %v", err)
	}
}

func TestExtensionFieldsTravelOverV2(t *testing.T) {
	set := testSet(t)
	msg, _ := set.Create("EXTENDED")
	_ = msg.SetFromMap(map[string]any{"a": 1, "b": 2, "ext": 0xABCDEF})
	wire, _ := Encode(msg)
	out, errs := parseAll(t, NewParser(set), wire)
	if len(errs) != 0 || len(out) != 1 {
		t.Fatalf("parse: %v", errs)
	}
	if n, _ := out[0].GetUint("ext"); n != 0xABCDEF {
		t.Fatalf("ext: %#x", n)
	}
}

func TestBitFlipIsRejected(t *testing.T) {
	set := testSet(t)
	wire, err := Encode(bigMessage(t, set))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Skip magic and length: flipping those changes framing, not content.
	for i := 2; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			if i == 2 && bit == 0 {
				continue // signed flag: parser waits for a signature
			}
			corrupt := append([]byte(nil), wire...)
			corrupt[i] ^= 1 << bit
			msgs, errs := parseAll(t, NewParser(set), corrupt)
			if len(msgs) != 0 {
				t.Fatalf("byte %d bit %d: corrupted frame accepted", i, bit)
			}
			if len(errs) != 1 {
				t.Fatalf("byte %d bit %d: expected one error, got %v", i, bit, errs)
			}
			if !errors.Is(errs[0], ErrChecksumFailed) && !errors.Is(errs[0], protocol.ErrUnknownMessage) {
				t.Fatalf("byte %d bit %d: unexpected error %v", i, bit, errs[0])
			}
		}
	}
}

func TestParserResynchronizes(t *testing.T) {
	set := testSet(t)
	good, _ := Encode(bigMessage(t, set))
	unknown := append([]byte(nil), good...)
	unknown[7] = 0x01
	unknown[8] = 0x02

	stream := []byte{0x00, 0x11, 0x22}
	stream = append(stream, unknown...)
	stream = append(stream, 0x33)
	stream = append(stream, good...)

	p := NewParser(set)
	msgs, errs := parseAll(t, p, stream)
	if len(msgs) != 1 || msgs[0].Name() != "BIG_MESSAGE" {
		t.Fatalf("messages: %v", msgs)
	}
	if len(errs) != 1 || !errors.Is(errs[0], protocol.ErrUnknownMessage) {
		t.Fatalf("errors: %v", errs)
	}
	st := p.Stats()
	if st.Frames != 1 || st.UnknownMessages != 1 || st.BytesDiscarded != 4 {
		t.Fatalf("stats: %+v", st)
	}
	if p.State() != StateSeekingMagic {
		t.Fatalf("state after stream: %s", p.State())
	}
}

func TestParserHandlesSplitChunks(t *testing.T) {
	set := testSet(t)
	wire, _ := Encode(bigMessage(t, set))
	p := NewParser(set)
	for i, b := range wire {
		msg, err := p.Push(b)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if i < len(wire)-1 && msg != nil {
			t.Fatalf("message completed early at byte %d", i)
		}
		if i == len(wire)-1 && msg == nil {
			t.Fatalf("message not completed")
		}
	}
}

func TestSignedFrames(t *testing.T) {
	set := testSet(t)
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	clock := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)

	tx := NewLinkSigner(1, key)
	tx.Now = func() time.Time { return clock }
	rx := NewLinkSigner(1, key)

	wire, err := Encoder{Signer: tx}.Encode(bigMessage(t, set))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wire[2]&FlagSigned == 0 {
		t.Fatalf("signed flag not set")
	}
	if len(wire) != protocol.HeaderLenV2+int(wire[1])+protocol.ChecksumLen+protocol.SignatureLen {
		t.Fatalf("signed frame length: %d", len(wire))
	}

	p := NewParser(set, WithVerifier(rx))
	msgs, errs := parseAll(t, p, wire)
	if len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("verify: %v", errs)
	}

	// Same timestamp again is a replay.
	_, errs = parseAll(t, p, wire)
	if len(errs) != 1 || !errors.Is(errs[0], ErrSignatureFailed) || !errors.Is(errs[0], ErrSignatureReplay) {
		t.Fatalf("replay: %v", errs)
	}

	// The signer advances its timestamp even with a frozen clock.
	next, _ := Encoder{Signer: tx}.Encode(bigMessage(t, set))
	if msgs, errs := parseAll(t, p, next); len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("next frame: %v", errs)
	}

	tampered, _ := Encoder{Signer: tx}.Encode(bigMessage(t, set))
	tampered[len(tampered)-1] ^= 0xFF
	_, errs = parseAll(t, p, tampered)
	if len(errs) != 1 || !errors.Is(errs[0], ErrSignatureMismatch) {
		t.Fatalf("tampered: %v", errs)
	}
	if p.Stats().SignatureFailures != 2 {
		t.Fatalf("signature failures: %d", p.Stats().SignatureFailures)
	}

	// Without a verifier the signature is carried but not checked.
	msgs, errs = parseAll(t, NewParser(set), tampered)
	if len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("unverified parse: %v", errs)
	}
	if msgs[0].Header().IncompatFlags&FlagSigned == 0 {
		t.Fatalf("signed flag not reported in header")
	}
}
