package protocol

import "testing"

func heartbeatSpec() MessageSpec {
	return MessageSpec{
		ID:   0,
		Name: "HEARTBEAT",
		Fields: []FieldSpec{
			{Name: "type", Type: TypeUint8},
			{Name: "autopilot", Type: TypeUint8},
			{Name: "base_mode", Type: TypeUint8},
			{Name: "custom_mode", Type: TypeUint32},
			{Name: "system_status", Type: TypeUint8},
			{Name: "mavlink_version", Type: TypeUint8},
		},
	}
}

func paramValueSpec() MessageSpec {
	return MessageSpec{
		ID:   22,
		Name: "PARAM_VALUE",
		Fields: []FieldSpec{
			{Name: "param_id", Type: TypeChar, ArrayLength: 16},
			{Name: "param_value", Type: TypeFloat32},
			{Name: "param_type", Type: TypeUint8},
			{Name: "param_count", Type: TypeUint16},
			{Name: "param_index", Type: TypeUint16},
		},
	}
}

func bigMessageSpec() MessageSpec {
	return MessageSpec{
		ID:   9915,
		Name: "BIG_MESSAGE",
		Fields: []FieldSpec{
			{Name: "uint8_field", Type: TypeUint8},
			{Name: "float_field", Type: TypeFloat32},
			{Name: "char_arr_field", Type: TypeChar, ArrayLength: 20},
			{Name: "float_arr_field", Type: TypeFloat32, ArrayLength: 3},
		},
	}
}

// allTypesSpec covers every base type as scalar and array, plus an extension.
func allTypesSpec() MessageSpec {
	return MessageSpec{
		ID:   4242,
		Name: "ALL_TYPES",
		Fields: []FieldSpec{
			{Name: "u8", Type: TypeUint8},
			{Name: "i8", Type: TypeInt8},
			{Name: "u16", Type: TypeUint16},
			{Name: "i16", Type: TypeInt16},
			{Name: "u32", Type: TypeUint32},
			{Name: "i32", Type: TypeInt32},
			{Name: "u64", Type: TypeUint64},
			{Name: "i64", Type: TypeInt64},
			{Name: "f32", Type: TypeFloat32},
			{Name: "f64", Type: TypeFloat64},
			{Name: "c", Type: TypeChar},
			{Name: "u8_arr", Type: TypeUint8, ArrayLength: 4},
			{Name: "i16_arr", Type: TypeInt16, ArrayLength: 3},
			{Name: "u64_arr", Type: TypeUint64, ArrayLength: 2},
			{Name: "f64_arr", Type: TypeFloat64, ArrayLength: 2},
			{Name: "text", Type: TypeChar, ArrayLength: 10},
			{Name: "ext_u16", Type: TypeUint16, Extension: true},
		},
	}
}

func newTestSet(t *testing.T) *MessageSet {
	t.Helper()
	set := NewMessageSet()
	err := set.Merge(Fragment{
		Messages: []MessageSpec{heartbeatSpec(), paramValueSpec(), bigMessageSpec(), allTypesSpec()},
		Enums: []EnumEntry{
			{Enum: "MAV_TYPE", Name: "MAV_TYPE_GCS", Value: 6},
			{Enum: "MAV_AUTOPILOT", Name: "MAV_AUTOPILOT_INVALID", Value: 8},
		},
	})
	if err != nil {
		t.Fatalf("merge fixtures: %v", err)
	}
	return set
}
