package protocol

import (
	"errors"
	"slices"
	"testing"
)

func TestCRCCheckValue(t *testing.T) {
	crc := NewCRC()
	crc.AccumulateString("123456789")
	if got := crc.CRC16(); got != 0x6F91 {
		t.Fatalf("crc16 check value: got=%#04x want=0x6f91", got)
	}
}

func TestCRCExtraMatchesKnownDialect(t *testing.T) {
	cases := []struct {
		spec MessageSpec
		want uint8
	}{
		{spec: heartbeatSpec(), want: 50},
		{spec: paramValueSpec(), want: 220},
	}
	for _, tc := range cases {
		def, err := NewMessageDefinition(tc.spec)
		if err != nil {
			t.Fatalf("%s: %v", tc.spec.Name, err)
		}
		if def.CRCExtra() != tc.want {
			t.Fatalf("%s crc_extra: got=%d want=%d", tc.spec.Name, def.CRCExtra(), tc.want)
		}
	}
}

func TestWireOrderSortsByWidthAndAppendsExtensions(t *testing.T) {
	def, err := NewMessageDefinition(allTypesSpec())
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	want := []string{
		"u64", "i64", "f64", "u64_arr", "f64_arr",
		"u32", "i32", "f32",
		"u16", "i16", "i16_arr",
		"u8", "i8", "c", "u8_arr", "text",
		"ext_u16",
	}
	if got := def.FieldNames(); !slices.Equal(got, want) {
		t.Fatalf("wire order:\n got=%v\nwant=%v", got, want)
	}
	if def.BasePayloadSize() != 95 || def.MaxPayloadSize() != 97 {
		t.Fatalf("sizes: base=%d max=%d", def.BasePayloadSize(), def.MaxPayloadSize())
	}
	if def.MaxBufferLength() != 10+97+2+13 {
		t.Fatalf("max buffer length: %d", def.MaxBufferLength())
	}
	f, ok := def.Field("ext_u16")
	if !ok || !f.Extension || f.Offset != 95 {
		t.Fatalf("extension field: %+v ok=%v", f, ok)
	}
}

func TestHeartbeatLayout(t *testing.T) {
	def, err := NewMessageDefinition(heartbeatSpec())
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	f, _ := def.Field("custom_mode")
	if f.Offset != 0 {
		t.Fatalf("custom_mode offset: %d", f.Offset)
	}
	f, _ = def.Field("mavlink_version")
	if f.Offset != 8 {
		t.Fatalf("mavlink_version offset: %d", f.Offset)
	}
	if def.MaxPayloadSize() != 9 {
		t.Fatalf("payload size: %d", def.MaxPayloadSize())
	}
}

func TestExtensionFieldsDoNotChangeCRCExtra(t *testing.T) {
	plain := heartbeatSpec()
	extended := heartbeatSpec()
	extended.Fields = append(extended.Fields, FieldSpec{Name: "extra", Type: TypeUint64, Extension: true})

	a, err := NewMessageDefinition(plain)
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	b, err := NewMessageDefinition(extended)
	if err != nil {
		t.Fatalf("extended: %v", err)
	}
	if a.CRCExtra() != b.CRCExtra() {
		t.Fatalf("crc_extra changed by extension: %d vs %d", a.CRCExtra(), b.CRCExtra())
	}
	if b.Fields()[len(b.Fields())-1].Name != "extra" {
		t.Fatalf("extension not appended last")
	}
}

func TestNewMessageDefinitionRejectsInvalidSpecs(t *testing.T) {
	cases := map[string]MessageSpec{
		"empty name":     {ID: 1, Fields: []FieldSpec{{Name: "a", Type: TypeUint8}}},
		"no fields":      {ID: 1, Name: "EMPTY"},
		"id too large":   {ID: 1 << 24, Name: "BIG_ID", Fields: []FieldSpec{{Name: "a", Type: TypeUint8}}},
		"duplicate name": {ID: 1, Name: "DUP", Fields: []FieldSpec{{Name: "a", Type: TypeUint8}, {Name: "a", Type: TypeInt8}}},
		"bad type":       {ID: 1, Name: "BAD", Fields: []FieldSpec{{Name: "a"}}},
		"payload too large": {ID: 1, Name: "HUGE", Fields: []FieldSpec{
			{Name: "a", Type: TypeUint64, ArrayLength: 32},
		}},
	}
	for name, spec := range cases {
		if _, err := NewMessageDefinition(spec); !errors.Is(err, ErrSchema) {
			t.Fatalf("%s: expected ErrSchema, got %v", name, err)
		}
	}
}

func TestFieldsReturnsCopy(t *testing.T) {
	def, err := NewMessageDefinition(heartbeatSpec())
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	fields := def.Fields()
	fields[0].Name = "mutated"
	if def.Fields()[0].Name == "mutated" {
		t.Fatalf("definition mutated through Fields()")
	}
}

func TestParseBaseType(t *testing.T) {
	cases := map[string]BaseType{
		"uint8_t":                 TypeUint8,
		"uint8_t_mavlink_version": TypeUint8,
		"float":                   TypeFloat32,
		"double":                  TypeFloat64,
		"int64":                   TypeInt64,
		" char ":                  TypeChar,
	}
	for raw, want := range cases {
		got, err := ParseBaseType(raw)
		if err != nil || got != want {
			t.Fatalf("%q: got=%v err=%v want=%v", raw, got, err, want)
		}
	}
	if _, err := ParseBaseType("uint128_t"); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}
