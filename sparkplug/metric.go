package sparkplug

import (
	"math"
	"time"

	"github.com/juju/errors"
)

// NullValue is returned by decode for null metrics and property values.
type NullValue struct{}

func (NullValue) String() string { return "null" }

var Null = NullValue{}

type Flags struct {
	Historical bool
	Transient  bool
	Null       bool
}

// scope is a set of containers where datatype is allowed
type scope uint8

const (
	inMetric scope = 1 << iota
	inDataSet
	inProperty
	inParameter

	inScalar = inMetric | inDataSet | inProperty | inParameter
)

type typeCodec struct {
	field  ValueField
	scope  scope
	encode func(dt DataType, v interface{}) (Value, error)
	decode func(dt DataType, w *Value) (interface{}, error)
}

var codecs [dataTypeCount]*typeCodec

func init() {
	for dt := Int8; dt <= Int32; dt++ {
		codecs[dt] = &typeCodec{FieldInt, inScalar, encodeSigned, decodeSigned}
	}
	codecs[Int64] = &typeCodec{FieldLong, inScalar, encodeSigned, decodeSigned}
	for dt := UInt8; dt <= UInt32; dt++ {
		codecs[dt] = &typeCodec{FieldInt, inScalar, encodeUnsigned, decodeUnsigned}
	}
	codecs[UInt64] = &typeCodec{FieldLong, inScalar, encodeUnsigned, decodeUnsigned}
	codecs[Float] = &typeCodec{FieldFloat, inScalar, encodeFloat, decodeFloat}
	codecs[Double] = &typeCodec{FieldDouble, inScalar, encodeDouble, decodeDouble}
	codecs[Boolean] = &typeCodec{FieldBoolean, inScalar, encodeBoolean, decodeBoolean}
	codecs[DateTime] = &typeCodec{FieldLong, inScalar, encodeDateTime, decodeDateTime}
	for _, dt := range []DataType{String, Text, UUID} {
		codecs[dt] = &typeCodec{FieldString, inScalar, encodeString, decodeString}
	}
	codecs[Bytes] = &typeCodec{FieldBytes, inMetric, encodeBytes, decodeBytes}
	codecs[File] = &typeCodec{FieldBytes, inMetric, encodeBytes, decodeBytes}
	codecs[DataSet] = &typeCodec{FieldDataSet, inMetric, encodeDataSet, decodeDataSet}
	codecs[Template] = &typeCodec{FieldTemplate, inMetric, encodeTemplate, decodeTemplate}
	codecs[PropertySet] = &typeCodec{FieldPropertySet, inProperty, encodePropertySet, decodePropertySet}
	codecs[PropertySetList] = &typeCodec{FieldPropertySetList, inProperty, encodePropertySetList, decodePropertySetList}
	for dt := Int8Array; dt <= DateTimeArray; dt++ {
		codecs[dt] = &typeCodec{FieldBytes, inMetric, encodeArray, decodeArray}
	}
}

func lookupCodec(dt DataType, sc scope, context string) (*typeCodec, error) {
	if dt < dataTypeCount {
		if c := codecs[dt]; c != nil && c.scope&sc != 0 {
			return c, nil
		}
	}
	return nil, &UnsupportedTypeError{DataType: dt, Context: context}
}

func encodeValue(dt DataType, v interface{}, sc scope, context string) (Value, error) {
	c, err := lookupCodec(dt, sc, context)
	if err != nil {
		return Value{}, err
	}
	w, err := c.encode(dt, v)
	if err != nil {
		return Value{}, errors.Annotate(err, context)
	}
	return w, nil
}

func decodeValue(dt DataType, w *Value, sc scope, context string) (interface{}, error) {
	c, err := lookupCodec(dt, sc, context)
	if err != nil {
		return nil, err
	}
	if w.Field != c.field {
		return nil, decodeErrorf("%s datatype=%s expected %s found %s", context, dt, c.field, w.Field)
	}
	return c.decode(dt, w)
}

type MetricOption func(*Metric)

func WithAlias(alias uint64) MetricOption { return func(m *Metric) { m.SetAlias(alias) } }
func WithTimestamp(ts uint64) MetricOption { return func(m *Metric) { m.Timestamp = ts } }
func Historical() MetricOption            { return func(m *Metric) { m.IsHistorical = true } }
func Transient() MetricOption             { return func(m *Metric) { m.IsTransient = true } }

func WithMetaData(md *MetaData) MetricOption { return func(m *Metric) { m.MetaData = md } }

func WithProperties(ps *PropertySetValue) MetricOption { return func(m *Metric) { m.Properties = ps } }

// NewMetric encodes Go value v as datatype dt.
func NewMetric(name string, dt DataType, v interface{}, opts ...MetricOption) (*Metric, error) {
	m := &Metric{Name: name, DataType: dt}
	for _, opt := range opts {
		opt(m)
	}
	if m.Name == "" && !m.HasAlias {
		return nil, errors.NotValidf("metric without name and alias")
	}
	w, err := encodeValue(dt, v, inMetric, "metric "+m.Key())
	if err != nil {
		return nil, err
	}
	m.Value = w
	return m, nil
}

// NewNullMetric has no value field populated.
func NewNullMetric(name string, dt DataType, opts ...MetricOption) (*Metric, error) {
	m := &Metric{Name: name, DataType: dt, IsNull: true}
	for _, opt := range opts {
		opt(m)
	}
	if m.Name == "" && !m.HasAlias {
		return nil, errors.NotValidf("metric without name and alias")
	}
	if _, err := lookupCodec(dt, inMetric, "metric "+m.Key()); err != nil {
		return nil, err
	}
	return m, nil
}

func AddMetric(c MetricContainer, name string, dt DataType, v interface{}, opts ...MetricOption) (*Metric, error) {
	m, err := NewMetric(name, dt, v, opts...)
	if err != nil {
		return nil, err
	}
	c.AddMetric(m)
	return m, nil
}

func AddNullMetric(c MetricContainer, name string, dt DataType, opts ...MetricOption) (*Metric, error) {
	m, err := NewNullMetric(name, dt, opts...)
	if err != nil {
		return nil, err
	}
	c.AddMetric(m)
	return m, nil
}

// DecodeMetric returns Go value of metric, Null for null metrics.
func DecodeMetric(m *Metric) (DataType, interface{}, Flags, error) {
	flags := Flags{Historical: m.IsHistorical, Transient: m.IsTransient, Null: m.IsNull}
	context := "metric " + m.Key()
	if m.typeDeferred() {
		return Unknown, nil, flags, &UnsupportedTypeError{DataType: Unknown, Context: context + " without datatype"}
	}
	if m.IsNull {
		if _, err := lookupCodec(m.DataType, inMetric, context); err != nil {
			return m.DataType, nil, flags, err
		}
		if m.Value.Field != FieldNone {
			return m.DataType, nil, flags, decodeErrorf("%s is_null with %s", context, m.Value.Field)
		}
		return m.DataType, Null, flags, nil
	}
	v, err := decodeValue(m.DataType, &m.Value, inMetric, context)
	return m.DataType, v, flags, err
}

func (m *Metric) Decode() (interface{}, error) {
	_, v, _, err := DecodeMetric(m)
	return v, err
}

func NewDataSet(columns []string, types []DataType) (*DataSetValue, error) {
	if len(columns) != len(types) {
		return nil, errors.NotValidf("dataset columns=%d types=%d", len(columns), len(types))
	}
	for i, dt := range types {
		if _, err := lookupCodec(dt, inDataSet, "dataset column "+columns[i]); err != nil {
			return nil, err
		}
	}
	return &DataSetValue{
		Columns: append([]string(nil), columns...),
		Types:   append([]DataType(nil), types...),
	}, nil
}

func (ds *DataSetValue) AddRow(values ...interface{}) error {
	if len(values) != len(ds.Columns) {
		return errors.NotValidf("dataset row length=%d columns=%d", len(values), len(ds.Columns))
	}
	row := Row{Elements: make([]Value, len(values))}
	for i, v := range values {
		w, err := encodeValue(ds.Types[i], v, inDataSet, "dataset column "+ds.Columns[i])
		if err != nil {
			return err
		}
		row.Elements[i] = w
	}
	ds.Rows = append(ds.Rows, row)
	return nil
}

func (ds *DataSetValue) Cell(row, col int) (interface{}, error) {
	if row < 0 || row >= len(ds.Rows) || col < 0 || col >= len(ds.Columns) {
		return nil, errors.NotFoundf("dataset cell row=%d col=%d", row, col)
	}
	return decodeValue(ds.Types[col], &ds.Rows[row].Elements[col], inDataSet, "dataset column "+ds.Columns[col])
}

func NewTemplateDefinition(version string) *TemplateValue {
	return &TemplateValue{Version: version, IsDefinition: true}
}

func NewTemplateInstance(ref string) *TemplateValue {
	return &TemplateValue{TemplateRef: ref}
}

func (t *TemplateValue) AddParameter(name string, dt DataType, v interface{}) error {
	w, err := encodeValue(dt, v, inParameter, "template parameter "+name)
	if err != nil {
		return err
	}
	t.Parameters = append(t.Parameters, &Parameter{Name: name, Type: dt, Value: w})
	return nil
}

func (p *Parameter) Decode() (interface{}, error) {
	return decodeValue(p.Type, &p.Value, inParameter, "template parameter "+p.Name)
}

func NewPropertySet() *PropertySetValue { return &PropertySetValue{} }

func (ps *PropertySetValue) Len() int { return len(ps.Keys) }

func (ps *PropertySetValue) Set(key string, dt DataType, v interface{}) error {
	w, err := encodeValue(dt, v, inProperty, "property "+key)
	if err != nil {
		return err
	}
	ps.put(key, &PropertyValue{Type: dt, Value: w})
	return nil
}

func (ps *PropertySetValue) SetNull(key string, dt DataType) error {
	if _, err := lookupCodec(dt, inProperty, "property "+key); err != nil {
		return err
	}
	ps.put(key, &PropertyValue{Type: dt, IsNull: true})
	return nil
}

func (ps *PropertySetValue) put(key string, pv *PropertyValue) {
	for i, k := range ps.Keys {
		if k == key {
			ps.Values[i] = pv
			return
		}
	}
	ps.Keys = append(ps.Keys, key)
	ps.Values = append(ps.Values, pv)
}

// Get returns decoded property value, ok=false when key is missing.
func (ps *PropertySetValue) Get(key string) (interface{}, bool, error) {
	for i, k := range ps.Keys {
		if k == key {
			v, err := ps.Values[i].Decode(key)
			return v, true, err
		}
	}
	return nil, false, nil
}

func (pv *PropertyValue) Decode(key string) (interface{}, error) {
	context := "property " + key
	if pv.IsNull {
		if _, err := lookupCodec(pv.Type, inProperty, context); err != nil {
			return nil, err
		}
		return Null, nil
	}
	return decodeValue(pv.Type, &pv.Value, inProperty, context)
}

func intRange(dt DataType) (min int64, max int64) {
	switch dt {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

func uintMax(dt DataType) uint64 {
	switch dt {
	case UInt8:
		return math.MaxUint8
	case UInt16:
		return math.MaxUint16
	case UInt32:
		return math.MaxUint32
	}
	return math.MaxUint64
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), uint64(x) <= math.MaxInt64
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= math.MaxInt64
	}
	return 0, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	if x, ok := toInt64(v); ok && x >= 0 {
		return uint64(x), true
	}
	return 0, false
}

// Negative N-bit value v is stored as v + 2^N.
func encodeSigned(dt DataType, v interface{}) (Value, error) {
	x, ok := toInt64(v)
	min, max := intRange(dt)
	if !ok || x < min || x > max {
		return Value{}, errors.NotValidf("%s value=%v (%T)", dt, v, v)
	}
	switch dt {
	case Int8:
		return Value{Field: FieldInt, Int: uint32(uint8(x))}, nil
	case Int16:
		return Value{Field: FieldInt, Int: uint32(uint16(x))}, nil
	case Int32:
		return Value{Field: FieldInt, Int: uint32(x)}, nil
	}
	return Value{Field: FieldLong, Long: uint64(x)}, nil
}

func decodeSigned(dt DataType, w *Value) (interface{}, error) {
	// negative values arrive either as v+2^bits or sign extended to 32 bits
	switch dt {
	case Int8:
		if w.Int > math.MaxUint8 && w.Int < 0xffffff80 {
			return nil, decodeErrorf("%s value=%#x out of range", dt, w.Int)
		}
		return int8(uint8(w.Int)), nil
	case Int16:
		if w.Int > math.MaxUint16 && w.Int < 0xffff8000 {
			return nil, decodeErrorf("%s value=%#x out of range", dt, w.Int)
		}
		return int16(uint16(w.Int)), nil
	case Int32:
		return int32(w.Int), nil
	}
	return int64(w.Long), nil
}

func encodeUnsigned(dt DataType, v interface{}) (Value, error) {
	x, ok := toUint64(v)
	if !ok || x > uintMax(dt) {
		return Value{}, errors.NotValidf("%s value=%v (%T)", dt, v, v)
	}
	if dt == UInt64 {
		return Value{Field: FieldLong, Long: x}, nil
	}
	return Value{Field: FieldInt, Int: uint32(x)}, nil
}

func decodeUnsigned(dt DataType, w *Value) (interface{}, error) {
	switch dt {
	case UInt8:
		if w.Int > math.MaxUint8 {
			return nil, decodeErrorf("%s value=%d out of range", dt, w.Int)
		}
		return uint8(w.Int), nil
	case UInt16:
		if w.Int > math.MaxUint16 {
			return nil, decodeErrorf("%s value=%d out of range", dt, w.Int)
		}
		return uint16(w.Int), nil
	case UInt32:
		return w.Int, nil
	}
	return w.Long, nil
}

func encodeFloat(dt DataType, v interface{}) (Value, error) {
	switch x := v.(type) {
	case float32:
		return Value{Field: FieldFloat, Float: x}, nil
	case float64:
		return Value{Field: FieldFloat, Float: float32(x)}, nil
	}
	return Value{}, errors.NotValidf("%s value type %T", dt, v)
}

func decodeFloat(dt DataType, w *Value) (interface{}, error) { return w.Float, nil }

func encodeDouble(dt DataType, v interface{}) (Value, error) {
	switch x := v.(type) {
	case float64:
		return Value{Field: FieldDouble, Double: x}, nil
	case float32:
		return Value{Field: FieldDouble, Double: float64(x)}, nil
	}
	return Value{}, errors.NotValidf("%s value type %T", dt, v)
}

func decodeDouble(dt DataType, w *Value) (interface{}, error) { return w.Double, nil }

func encodeBoolean(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(bool)
	if !ok {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	return Value{Field: FieldBoolean, Boolean: x}, nil
}

func decodeBoolean(dt DataType, w *Value) (interface{}, error) { return w.Boolean, nil }

func encodeString(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(string)
	if !ok {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	return Value{Field: FieldString, String: x}, nil
}

func decodeString(dt DataType, w *Value) (interface{}, error) { return w.String, nil }

// DateTime accepts time.Time or integer milliseconds since epoch.
func encodeDateTime(dt DataType, v interface{}) (Value, error) {
	if t, ok := v.(time.Time); ok {
		ms := t.UnixMilli()
		if ms < 0 {
			return Value{}, errors.NotValidf("%s before epoch %v", dt, t)
		}
		return Value{Field: FieldLong, Long: uint64(ms)}, nil
	}
	if ms, ok := toUint64(v); ok {
		return Value{Field: FieldLong, Long: ms}, nil
	}
	return Value{}, errors.NotValidf("%s value type %T", dt, v)
}

func decodeDateTime(dt DataType, w *Value) (interface{}, error) {
	return time.UnixMilli(int64(w.Long)).UTC(), nil
}

func encodeBytes(dt DataType, v interface{}) (Value, error) {
	x, ok := v.([]byte)
	if !ok {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	return Value{Field: FieldBytes, Bytes: x}, nil
}

func decodeBytes(dt DataType, w *Value) (interface{}, error) {
	if w.Bytes == nil {
		return []byte{}, nil
	}
	return w.Bytes, nil
}

func encodeArray(dt DataType, v interface{}) (Value, error) {
	b, err := PackArray(dt, v)
	if err != nil {
		return Value{}, err
	}
	return Value{Field: FieldBytes, Bytes: b}, nil
}

func decodeArray(dt DataType, w *Value) (interface{}, error) { return UnpackArray(dt, w.Bytes) }

func encodeDataSet(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(*DataSetValue)
	if !ok || x == nil {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	if err := x.check(); err != nil {
		return Value{}, errors.NewNotValid(err, "")
	}
	return Value{Field: FieldDataSet, DataSet: x}, nil
}

func decodeDataSet(dt DataType, w *Value) (interface{}, error) {
	if w.DataSet == nil {
		return nil, decodeErrorf("dataset_value nil")
	}
	if err := w.DataSet.check(); err != nil {
		return nil, &DecodeError{What: "dataset", Err: err}
	}
	return w.DataSet, nil
}

func encodeTemplate(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(*TemplateValue)
	if !ok || x == nil {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	if err := x.check(); err != nil {
		return Value{}, errors.NewNotValid(err, "")
	}
	return Value{Field: FieldTemplate, Template: x}, nil
}

func decodeTemplate(dt DataType, w *Value) (interface{}, error) {
	if w.Template == nil {
		return nil, decodeErrorf("template_value nil")
	}
	if err := w.Template.check(); err != nil {
		return nil, &DecodeError{What: "template", Err: err}
	}
	return w.Template, nil
}

func encodePropertySet(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(*PropertySetValue)
	if !ok || x == nil {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	return Value{Field: FieldPropertySet, PropertySet: x}, nil
}

func decodePropertySet(dt DataType, w *Value) (interface{}, error) {
	if w.PropertySet == nil {
		return nil, decodeErrorf("propertyset_value nil")
	}
	return w.PropertySet, nil
}

func encodePropertySetList(dt DataType, v interface{}) (Value, error) {
	x, ok := v.(*PropertySetListValue)
	if !ok || x == nil {
		return Value{}, errors.NotValidf("%s value type %T", dt, v)
	}
	return Value{Field: FieldPropertySetList, PropertySetList: x}, nil
}

func decodePropertySetList(dt DataType, w *Value) (interface{}, error) {
	if w.PropertySetList == nil {
		return nil, decodeErrorf("propertysets_value nil")
	}
	return w.PropertySetList, nil
}

// Structure checks shared by constructors and wire codec.

// ResolveType sets datatype known from birth certificate when it was omitted on the wire,
// then checks the value against it. Metrics with datatype present are left as is.
func (m *Metric) ResolveType(dt DataType) error {
	if !m.typeDeferred() {
		return nil
	}
	m.DataType = dt
	if err := m.check(); err != nil {
		if IsUnsupportedType(err) {
			return err
		}
		return &DecodeError{What: "metric " + m.Key(), Err: err}
	}
	return nil
}

func (m *Metric) typeDeferred() bool { return m.TypeOmitted && m.DataType == Unknown }

func (m *Metric) check() error {
	context := "metric " + m.Key()
	if !m.typeDeferred() {
		c, err := lookupCodec(m.DataType, inMetric, context)
		if err != nil {
			return err
		}
		if m.IsNull {
			if m.Value.Field != FieldNone {
				return errors.Errorf("%s is_null with %s", context, m.Value.Field)
			}
		} else if m.Value.Field != c.field {
			return errors.Errorf("%s datatype=%s expected %s found %s", context, m.DataType, c.field, m.Value.Field)
		}
	} else if m.IsNull && m.Value.Field != FieldNone {
		return errors.Errorf("%s is_null with %s", context, m.Value.Field)
	}
	if m.Properties != nil {
		if err := m.Properties.check(); err != nil {
			return errors.Annotate(err, context)
		}
	}
	switch m.Value.Field {
	case FieldDataSet:
		if err := m.Value.DataSet.check(); err != nil {
			return errors.Annotate(err, context)
		}
	case FieldTemplate:
		if err := m.Value.Template.check(); err != nil {
			return errors.Annotate(err, context)
		}
	}
	return nil
}

func (ds *DataSetValue) check() error {
	if ds == nil {
		return errors.Errorf("dataset nil")
	}
	if len(ds.Types) != len(ds.Columns) {
		return errors.Errorf("dataset columns=%d types=%d", len(ds.Columns), len(ds.Types))
	}
	for _, dt := range ds.Types {
		if _, err := lookupCodec(dt, inDataSet, "dataset"); err != nil {
			return err
		}
	}
	for i := range ds.Rows {
		row := &ds.Rows[i]
		if len(row.Elements) != len(ds.Columns) {
			return errors.Errorf("dataset row=%d length=%d columns=%d", i, len(row.Elements), len(ds.Columns))
		}
		for j := range row.Elements {
			if expect := codecs[ds.Types[j]].field; row.Elements[j].Field != expect {
				return errors.Errorf("dataset row=%d col=%d expected %s found %s", i, j, expect, row.Elements[j].Field)
			}
		}
	}
	return nil
}

func (t *TemplateValue) check() error {
	if t == nil {
		return errors.Errorf("template nil")
	}
	if t.IsDefinition && t.TemplateRef != "" {
		return errors.Errorf("template definition with template_ref=%s", t.TemplateRef)
	}
	if !t.IsDefinition && t.TemplateRef == "" {
		return errors.Errorf("template instance without template_ref")
	}
	for _, p := range t.Parameters {
		c, err := lookupCodec(p.Type, inParameter, "template parameter "+p.Name)
		if err != nil {
			return err
		}
		if p.Value.Field != FieldNone && p.Value.Field != c.field {
			return errors.Errorf("template parameter %s expected %s found %s", p.Name, c.field, p.Value.Field)
		}
	}
	for _, m := range t.Metrics {
		if err := m.check(); err != nil {
			return errors.Annotate(err, "template member")
		}
	}
	return nil
}

func (ps *PropertySetValue) check() error {
	if ps == nil {
		return errors.Errorf("propertyset nil")
	}
	if len(ps.Keys) != len(ps.Values) {
		return errors.Errorf("propertyset keys=%d values=%d", len(ps.Keys), len(ps.Values))
	}
	for i, pv := range ps.Values {
		c, err := lookupCodec(pv.Type, inProperty, "property "+ps.Keys[i])
		if err != nil {
			return err
		}
		if pv.IsNull {
			if pv.Value.Field != FieldNone {
				return errors.Errorf("property %s is_null with %s", ps.Keys[i], pv.Value.Field)
			}
			continue
		}
		if pv.Value.Field != c.field {
			return errors.Errorf("property %s expected %s found %s", ps.Keys[i], c.field, pv.Value.Field)
		}
		switch pv.Value.Field {
		case FieldPropertySet:
			if err := pv.Value.PropertySet.check(); err != nil {
				return err
			}
		case FieldPropertySetList:
			if pv.Value.PropertySetList == nil {
				return errors.Errorf("property %s propertysets nil", ps.Keys[i])
			}
			for _, sub := range pv.Value.PropertySetList.PropertySets {
				if err := sub.check(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
