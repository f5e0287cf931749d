package sparkplug

import (
	"math"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricScalar(t *testing.T) {
	t.Parallel()

	ts := time.Date(2020, 1, 2, 3, 4, 5, 6e6, time.UTC)
	cases := []struct {
		dt     DataType
		input  interface{}
		field  ValueField
		expect interface{}
	}{
		{Int8, int8(-1), FieldInt, int8(-1)},
		{Int8, 100, FieldInt, int8(100)},
		{Int16, int16(math.MinInt16), FieldInt, int16(math.MinInt16)},
		{Int32, int32(-2), FieldInt, int32(-2)},
		{Int64, int64(math.MinInt64), FieldLong, int64(math.MinInt64)},
		{UInt8, uint8(255), FieldInt, uint8(255)},
		{UInt16, 65535, FieldInt, uint16(65535)},
		{UInt32, uint32(math.MaxUint32), FieldInt, uint32(math.MaxUint32)},
		{UInt64, uint64(math.MaxUint64), FieldLong, uint64(math.MaxUint64)},
		{Float, float32(1.5), FieldFloat, float32(1.5)},
		{Double, 2.25, FieldDouble, 2.25},
		{Boolean, true, FieldBoolean, true},
		{String, "hello", FieldString, "hello"},
		{Text, "", FieldString, ""},
		{UUID, "d4b9c9ab-5f32-4f06-b10c-1f7f3b2e6d3a", FieldString, "d4b9c9ab-5f32-4f06-b10c-1f7f3b2e6d3a"},
		{DateTime, ts, FieldLong, ts},
		{DateTime, uint64(1577934245006), FieldLong, ts},
		{Bytes, []byte{1, 2}, FieldBytes, []byte{1, 2}},
		{File, []byte{}, FieldBytes, []byte{}},
		{Int16Array, []int16{-1}, FieldBytes, []int16{-1}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.dt.String(), func(t *testing.T) {
			t.Parallel()
			m, err := NewMetric("m", c.dt, c.input)
			require.NoError(t, err)
			assert.Equal(t, c.field, m.Value.Field)
			dt, v, flags, err := DecodeMetric(m)
			require.NoError(t, err)
			assert.Equal(t, c.dt, dt)
			assert.Equal(t, c.expect, v)
			assert.Equal(t, Flags{}, flags)
		})
	}
}

// Negative N-bit value travels as v + 2^N.
func TestMetricSignedWire(t *testing.T) {
	t.Parallel()
	cases := []struct {
		dt     DataType
		input  interface{}
		expect uint32
	}{
		{Int8, int8(-1), 0xff},
		{Int8, int8(-128), 0x80},
		{Int16, int16(-1), 0xffff},
		{Int32, int32(-1), 0xffffffff},
	}
	for _, c := range cases {
		m, err := NewMetric("x", c.dt, c.input)
		require.NoError(t, err)
		assert.Equal(t, c.expect, m.Value.Int, "%s %v", c.dt, c.input)
	}
	m, err := NewMetric("x", Int64, int64(-1))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), m.Value.Long)
}

// Senders also sign extend to 32 bits, anything else does not fit.
func TestMetricSignedDecodeRange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		dt     DataType
		wire   uint32
		expect interface{}
	}{
		{"int8-positive", Int8, 0x7f, int8(127)},
		{"int8-offset", Int8, 0xff, int8(-1)},
		{"int8-extended", Int8, 0xffffff80, int8(-128)},
		{"int8-overflow", Int8, 300, nil},
		{"int8-extended-overflow", Int8, 0xffffff7f, nil},
		{"int16-offset", Int16, 0x8000, int16(math.MinInt16)},
		{"int16-extended", Int16, 0xffffffff, int16(-1)},
		{"int16-overflow", Int16, 0x10000, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := &Metric{Name: "x", DataType: c.dt, Value: Value{Field: FieldInt, Int: c.wire}}
			v, err := m.Decode()
			if c.expect == nil {
				assert.True(t, IsDecode(err), "%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, v)
		})
	}
}

func TestMetricInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		dt          DataType
		input       interface{}
		unsupported bool
	}{
		{"int8-range", Int8, 128, false},
		{"uint8-range", UInt8, 256, false},
		{"uint-negative", UInt32, -1, false},
		{"int64-overflow", Int64, uint64(math.MaxUint64), false},
		{"bool-type", Boolean, 1, false},
		{"string-type", String, []byte("a"), false},
		{"float-type", Float, 1, false},
		{"datetime-type", DateTime, "now", false},
		{"datetime-negative", DateTime, time.Unix(-1, 0), false},
		{"dataset-nil", DataSet, (*DataSetValue)(nil), false},
		{"template-instance-noref", Template, &TemplateValue{}, false},
		{"unknown", Unknown, 1, true},
		{"out-of-range", DataType(99), 1, true},
		{"propertyset-in-metric", PropertySet, NewPropertySet(), true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewMetric("x", c.dt, c.input)
			require.Error(t, err)
			if c.unsupported {
				assert.True(t, IsUnsupportedType(err), "%v", err)
			} else {
				assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
			}
		})
	}

	_, err := NewMetric("", Int8, 1)
	assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
}

func TestMetricNullAndOptions(t *testing.T) {
	t.Parallel()
	p := &Payload{}
	md := &MetaData{ContentType: "text/plain", Description: "d"}
	m, err := AddNullMetric(p, "", Int32, WithAlias(7), WithTimestamp(42), Historical(), Transient(), WithMetaData(md))
	require.NoError(t, err)
	assert.Equal(t, "#7", m.Key())
	assert.Same(t, m, p.Metrics[0])
	dt, v, flags, err := DecodeMetric(m)
	require.NoError(t, err)
	assert.Equal(t, Int32, dt)
	assert.Equal(t, Null, v)
	assert.Equal(t, Flags{Historical: true, Transient: true, Null: true}, flags)
	assert.Equal(t, uint64(42), m.Timestamp)
	assert.Same(t, md, m.MetaData)

	_, err = NewNullMetric("x", DataType(200))
	assert.True(t, IsUnsupportedType(err), "%v", err)

	// null with value present is malformed
	bad := &Metric{Name: "x", DataType: Int32, IsNull: true, Value: Value{Field: FieldInt, Int: 1}}
	_, err = bad.Decode()
	assert.True(t, IsDecode(err), "%v", err)
}

func TestMetricDecodeMismatch(t *testing.T) {
	t.Parallel()
	m := &Metric{Name: "x", DataType: Int32, Value: Value{Field: FieldString, String: "1"}}
	_, err := m.Decode()
	assert.True(t, IsDecode(err), "%v", err)
	m = &Metric{Name: "x", DataType: UInt8, Value: Value{Field: FieldInt, Int: 256}}
	_, err = m.Decode()
	assert.True(t, IsDecode(err), "%v", err)
	m = &Metric{Name: "x", DataType: DataSet, Value: Value{Field: FieldDataSet}}
	_, err = m.Decode()
	assert.True(t, IsDecode(err), "%v", err)
}

func TestDataSet(t *testing.T) {
	t.Parallel()
	_, err := NewDataSet([]string{"a"}, []DataType{Int8, Int8})
	assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
	_, err = NewDataSet([]string{"a"}, []DataType{Bytes})
	assert.True(t, IsUnsupportedType(err), "%v", err)
	_, err = NewDataSet([]string{"a"}, []DataType{Int8Array})
	assert.True(t, IsUnsupportedType(err), "%v", err)

	ts := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	ds, err := NewDataSet([]string{"i", "s", "d", "b"}, []DataType{Int16, String, DateTime, Boolean})
	require.NoError(t, err)
	require.NoError(t, ds.AddRow(-3, "x", ts, true))
	require.NoError(t, ds.AddRow(int16(4), "y", ts, false))
	assert.Error(t, ds.AddRow(1, "short"))
	assert.Error(t, ds.AddRow(1, 2, ts, true))
	assert.Len(t, ds.Rows, 2)

	cell, err := ds.Cell(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(-3), cell)
	cell, err = ds.Cell(1, 2)
	require.NoError(t, err)
	assert.Equal(t, ts, cell)
	_, err = ds.Cell(2, 0)
	assert.True(t, errors.IsNotFound(errors.Cause(err)), "%v", err)
	_, err = ds.Cell(0, -1)
	assert.True(t, errors.IsNotFound(errors.Cause(err)), "%v", err)

	m, err := NewMetric("ds", DataSet, ds)
	require.NoError(t, err)
	v, err := m.Decode()
	require.NoError(t, err)
	assert.Same(t, ds, v)

	ds.Rows = append(ds.Rows, Row{Elements: []Value{{Field: FieldInt}}})
	_, err = NewMetric("ds", DataSet, ds)
	assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
}

func TestTemplate(t *testing.T) {
	t.Parallel()
	def := NewTemplateDefinition("v1")
	require.NoError(t, def.AddParameter("Index", String, "0"))
	_, err := AddMetric(def, "RPMs", Int32, int32(0))
	require.NoError(t, err)
	assert.Error(t, def.AddParameter("Blob", Bytes, []byte{1}))
	dm, err := NewMetric("_types_/Motor", Template, def)
	require.NoError(t, err)

	inst := NewTemplateInstance("Motor")
	require.NoError(t, inst.AddParameter("Index", String, "1"))
	_, err = AddMetric(inst, "RPMs", Int32, int32(123))
	require.NoError(t, err)
	im, err := NewMetric("Motor 1", Template, inst)
	require.NoError(t, err)

	v, err := dm.Decode()
	require.NoError(t, err)
	assert.True(t, v.(*TemplateValue).IsDefinition)
	v, err = im.Decode()
	require.NoError(t, err)
	got := v.(*TemplateValue)
	assert.Equal(t, "Motor", got.TemplateRef)
	pv, err := got.Parameters[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "1", pv)
	mv, err := got.Metrics[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, int32(123), mv)

	bad := NewTemplateDefinition("v1")
	bad.TemplateRef = "x"
	_, err = NewMetric("bad", Template, bad)
	assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
}

func TestPropertySet(t *testing.T) {
	t.Parallel()
	ps := NewPropertySet()
	require.NoError(t, ps.Set("engUnit", String, "C"))
	require.NoError(t, ps.Set("min", Double, 1.5))
	require.NoError(t, ps.Set("engUnit", String, "F"))
	require.NoError(t, ps.SetNull("quality", Int32))
	nested := NewPropertySet()
	require.NoError(t, nested.Set("k", Boolean, true))
	require.NoError(t, ps.Set("nested", PropertySet, nested))
	require.NoError(t, ps.Set("list", PropertySetList, &PropertySetListValue{PropertySets: []*PropertySetValue{nested}}))
	assert.Error(t, ps.Set("blob", Bytes, []byte{1}))
	assert.Error(t, ps.Set("arr", Int8Array, []int8{1}))
	assert.Error(t, ps.SetNull("tmpl", Template))

	assert.Equal(t, []string{"engUnit", "min", "quality", "nested", "list"}, ps.Keys)
	assert.Equal(t, 5, ps.Len())
	v, ok, err := ps.Get("engUnit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "F", v)
	v, ok, err = ps.Get("quality")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Null, v)
	_, ok, err = ps.Get("missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	m, err := NewMetric("t", Float, float32(20), WithProperties(ps))
	require.NoError(t, err)
	assert.NoError(t, m.check())
}
