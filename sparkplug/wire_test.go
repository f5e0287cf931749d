package sparkplug

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonicalPayloadHex = "0880d4d7e5872f12090a0161100120035005120c0a016218022009650000c03f12070a0163200b380118ff01220175"

func canonicalPayload(t testing.TB) *Payload {
	p := &Payload{Timestamp: 1617000000000, UUID: "u"}
	p.SetSeq(255)
	_, err := AddMetric(p, "a", Int32, int32(5), WithAlias(1))
	require.NoError(t, err)
	_, err = AddMetric(p, "b", Float, float32(1.5), WithTimestamp(2))
	require.NoError(t, err)
	_, err = AddNullMetric(p, "c", Boolean)
	require.NoError(t, err)
	return p
}

func TestPayloadMarshalCanonical(t *testing.T) {
	t.Parallel()
	b, err := canonicalPayload(t).Marshal()
	require.NoError(t, err)
	assert.Equal(t, canonicalPayloadHex, hex.EncodeToString(b))

	b, err = hex.DecodeString(canonicalPayloadHex)
	require.NoError(t, err)
	p, err := ParsePayload(b)
	require.NoError(t, err)
	assert.Equal(t, canonicalPayload(t), p)
}

func TestPayloadEmpty(t *testing.T) {
	t.Parallel()
	b, err := (&Payload{}).Marshal()
	require.NoError(t, err)
	assert.Empty(t, b)
	p, err := ParsePayload(nil)
	require.NoError(t, err)
	_, hasSeq := p.GetSeq()
	assert.False(t, hasSeq)
	assert.Equal(t, uint64(0), p.Timestamp)

	// seq 0 is present, unlike timestamp 0
	p.SetSeq(0)
	b, err = p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "1800", hex.EncodeToString(b))
}

// Every datatype survives marshal and parse with identical decoded value.
func TestPayloadAllTypes(t *testing.T) {
	t.Parallel()
	ts := time.Date(2022, 2, 3, 4, 5, 6, 7e6, time.UTC)
	ds, err := NewDataSet([]string{"Int8s", "Strings", "Doubles"}, []DataType{Int8, String, Double})
	require.NoError(t, err)
	require.NoError(t, ds.AddRow(int8(-1), "a", 1.5))
	require.NoError(t, ds.AddRow(int8(2), "", -0.5))
	tmpl := NewTemplateInstance("Motor")
	require.NoError(t, tmpl.AddParameter("Index", UInt16, uint16(3)))
	_, err = AddMetric(tmpl, "RPMs", Int32, int32(-100))
	require.NoError(t, err)
	props := NewPropertySet()
	require.NoError(t, props.Set("engUnit", String, "rpm"))
	require.NoError(t, props.SetNull("quality", Int32))
	sub := NewPropertySet()
	require.NoError(t, sub.Set("x", UInt64, uint64(1)))
	require.NoError(t, props.Set("nested", PropertySet, sub))
	require.NoError(t, props.Set("list", PropertySetList, &PropertySetListValue{PropertySets: []*PropertySetValue{sub, NewPropertySet()}}))

	values := map[DataType]interface{}{
		Int8:          int8(-128),
		Int16:         int16(-300),
		Int32:         int32(-70000),
		Int64:         int64(-1 << 40),
		UInt8:         uint8(200),
		UInt16:        uint16(60000),
		UInt32:        uint32(4000000000),
		UInt64:        uint64(1 << 63),
		Float:         float32(-3.25),
		Double:        1e100,
		Boolean:       true,
		String:        "unicode é",
		DateTime:      ts,
		Text:          strings.Repeat("t", 300),
		UUID:          "0e1b2f90-3f2a-4b6e-9c1d-5a7d9c3e2b10",
		DataSet:       ds,
		Bytes:         []byte{0, 1, 255},
		File:          []byte("file"),
		Template:      tmpl,
		Int8Array:     []int8{-1, 0, 1},
		Int16Array:    []int16{-1},
		Int32Array:    []int32{-1, 2},
		Int64Array:    []int64{-1},
		UInt8Array:    []uint8{1},
		UInt16Array:   []uint16{65535},
		UInt32Array:   []uint32{1, 2, 3},
		UInt64Array:   []uint64{1 << 63},
		FloatArray:    []float32{0.5},
		DoubleArray:   []float64{-0.25},
		BooleanArray:  []bool{true, false, true, true, true, false, false, false, true},
		StringArray:   []string{"a", "", "c"},
		DateTimeArray: []time.Time{ts, ts.Add(time.Second)},
	}
	p := &Payload{Timestamp: Millis(ts), Body: []byte("body")}
	p.SetSeq(7)
	for dt := Int8; dt <= DateTimeArray; dt++ {
		v, ok := values[dt]
		if !ok {
			continue
		}
		_, err := AddMetric(p, dt.String(), dt, v, WithAlias(uint64(dt)), WithProperties(props))
		require.NoError(t, err, dt.String())
	}
	_, err = AddMetric(p, "file", File, []byte{}, WithMetaData(&MetaData{
		IsMultiPart: true, ContentType: "application/octet-stream", Size: 10, Seq: 2,
		FileName: "f.bin", FileType: "bin", MD5: "abc", Description: "d",
	}), Historical(), Transient())
	require.NoError(t, err)

	b, err := p.Marshal()
	require.NoError(t, err)
	got, err := ParsePayload(b)
	require.NoError(t, err)
	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, []byte("body"), got.Body)
	seq, ok := got.GetSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), seq)
	require.Len(t, got.Metrics, len(p.Metrics))
	for i, m := range got.Metrics {
		expect := p.Metrics[i]
		assert.Equal(t, expect.Name, m.Name)
		assert.Equal(t, expect.Alias, m.Alias)
		assert.Equal(t, expect.DataType, m.DataType)
		v, err := m.Decode()
		require.NoError(t, err, m.Name)
		ev, err := expect.Decode()
		require.NoError(t, err)
		assert.Equal(t, ev, v, m.Name)
	}
	last := got.Metrics[len(got.Metrics)-1]
	assert.Equal(t, p.Metrics[len(p.Metrics)-1].MetaData, last.MetaData)
	assert.True(t, last.IsHistorical)
	assert.True(t, last.IsTransient)
	q, ok, err := got.Metrics[0].Properties.Get("quality")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Null, q)
	l, _, err := got.Metrics[0].Properties.Get("list")
	require.NoError(t, err)
	assert.Len(t, l.(*PropertySetListValue).PropertySets, 2)
	// stable encoding
	b2, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestPayloadUnknownFieldsSkipped(t *testing.T) {
	t.Parallel()
	b, err := hex.DecodeString(canonicalPayloadHex)
	require.NoError(t, err)
	// field 99 varint, field 98 fixed32, field 97 fixed64, field 96 bytes
	extra, err := hex.DecodeString("98060195060000000089060000000000000000820603616263")
	require.NoError(t, err)
	p, err := ParsePayload(append(b, extra...))
	require.NoError(t, err)
	assert.Equal(t, canonicalPayload(t), p)
}

func TestPayloadUnmarshalErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		input       string
		unsupported bool
	}{
		{"truncated-varint", "08ff", false},
		{"truncated-length", "1205", false},
		{"field-zero", "0001", false},
		{"wire-type-group", "0b", false},
		{"metric-type-mismatch", "120520037a0161", false},
		{"metric-null-with-value", "1206200338015005", false},
		{"truncated-fixed32", "120420096501", false},
		{"dataset-columns", "12072010" + "8a0102" + "0802", false},
		{"property-keys", "1207200b" + "4a030a0161", false},
		{"unsupported-type", "12022063", true},
		{"unsupported-unknown", "12022000", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b, err := hex.DecodeString(c.input)
			require.NoError(t, err)
			_, err = ParsePayload(b)
			require.Error(t, err)
			if c.unsupported {
				assert.True(t, IsUnsupportedType(err), "%v", err)
			} else {
				assert.True(t, IsDecode(err), "%v", err)
			}
		})
	}
}

func TestPayloadWireTypeMismatchSkipped(t *testing.T) {
	t.Parallel()
	// timestamp as length delimited is unknown data, like any unknown field
	b, err := hex.DecodeString("0a0101" + "1801")
	require.NoError(t, err)
	p, err := ParsePayload(b)
	require.NoError(t, err)
	assert.Zero(t, p.Timestamp)
	seq, ok := p.GetSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), seq)
}

func TestPayloadOmittedDataType(t *testing.T) {
	t.Parallel()
	// name "a", alias 1, int_value 5, no datatype
	const input = "12070a016110015005"
	b, err := hex.DecodeString(input)
	require.NoError(t, err)
	p, err := ParsePayload(b)
	require.NoError(t, err)
	require.Len(t, p.Metrics, 1)
	m := p.Metrics[0]
	assert.True(t, m.TypeOmitted)
	assert.Equal(t, Unknown, m.DataType)
	_, err = m.Decode()
	assert.True(t, IsUnsupportedType(err), "%v", err)

	// data messages may be forwarded without datatype
	b2, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, input, hex.EncodeToString(b2))

	require.NoError(t, m.ResolveType(Int32))
	v, err := m.Decode()
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
	// present datatype is not replaced
	require.NoError(t, m.ResolveType(String))
	assert.Equal(t, Int32, m.DataType)

	p, err = ParsePayload(b)
	require.NoError(t, err)
	err = p.Metrics[0].ResolveType(String)
	assert.True(t, IsDecode(err), "%v", err)
}

func TestPayloadMarshalInvalid(t *testing.T) {
	t.Parallel()
	p := &Payload{Metrics: []*Metric{nil}}
	_, err := p.Marshal()
	assert.Error(t, err)
	p = &Payload{Metrics: []*Metric{{Name: "x", DataType: Int32, Value: Value{Field: FieldString}}}}
	_, err = p.Marshal()
	assert.Error(t, err)
	p = &Payload{Metrics: []*Metric{{Name: "x", DataType: DataType(77)}}}
	_, err = p.Marshal()
	assert.True(t, IsUnsupportedType(err), "%v", err)
}

func TestPayloadNestingLimit(t *testing.T) {
	t.Parallel()
	inner := NewPropertySet()
	for i := 0; i < maxDecodeDepth; i++ {
		outer := NewPropertySet()
		require.NoError(t, outer.Set("n", PropertySet, inner))
		inner = outer
	}
	p := &Payload{}
	_, err := AddMetric(p, "deep", Int8, 1, WithProperties(inner))
	require.NoError(t, err)
	b, err := p.Marshal()
	require.NoError(t, err)
	_, err = ParsePayload(b)
	assert.True(t, IsDecode(err), "%v", err)
}

func TestFormatPayload(t *testing.T) {
	t.Parallel()
	s := canonicalPayload(t).String()
	assert.True(t, strings.HasPrefix(s, "payload timestamp=1617000000000 seq=255 uuid=u"), s)
	assert.Contains(t, s, `"a" alias=1 Int32 = 5`)
	assert.Contains(t, s, `"b" Float ts=2 = 1.5`)
	assert.Contains(t, s, `"c" Boolean = null`)
	assert.Equal(t, "<nil>", FormatPayload(nil))
}
