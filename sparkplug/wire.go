package sparkplug

import (
	"github.com/juju/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const maxDecodeDepth = 64

var (
	marshalOptions   = proto.MarshalOptions{Deterministic: true}
	unmarshalOptions = proto.UnmarshalOptions{RecursionLimit: maxDecodeDepth}
)

// Reset, String, ProtoMessage implement proto.Message
func (p *Payload) Reset()         { *p = Payload{} }
func (p *Payload) ProtoMessage()  {}
func (p *Payload) String() string { return FormatPayload(p) }

// Marshal returns canonical protobuf encoding of Sparkplug B Payload.
func (p *Payload) Marshal() ([]byte, error) {
	for _, m := range p.Metrics {
		if m == nil {
			return nil, errors.NotValidf("payload nil metric")
		}
		if err := m.check(); err != nil {
			if IsUnsupportedType(err) {
				return nil, errors.Annotate(err, "payload marshal")
			}
			return nil, errors.NewNotValid(err, "payload marshal")
		}
	}
	msg := dynamicpb.NewMessage(payloadType)
	encodePayload(msg, p)
	b, err := marshalOptions.Marshal(msg)
	return b, errors.Annotate(err, "payload marshal")
}

func (p *Payload) Unmarshal(b []byte) error {
	p.Reset()
	msg := dynamicpb.NewMessage(payloadType)
	if err := unmarshalOptions.Unmarshal(b, msg); err != nil {
		return &DecodeError{What: "payload", Err: err}
	}
	if err := decodePayload(msg, p); err != nil {
		return err
	}
	for _, m := range p.Metrics {
		if err := m.check(); err != nil {
			if IsUnsupportedType(err) {
				return err
			}
			return &DecodeError{What: "payload", Err: err}
		}
	}
	return nil
}

func ParsePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	if err := p.Unmarshal(b); err != nil {
		return nil, err
	}
	return p, nil
}

func fieldOf(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func setUint(m protoreflect.Message, name protoreflect.Name, x uint64) {
	fd := fieldOf(m, name)
	if fd.Kind() == protoreflect.Uint32Kind {
		m.Set(fd, protoreflect.ValueOfUint32(uint32(x)))
		return
	}
	m.Set(fd, protoreflect.ValueOfUint64(x))
}

func setString(m protoreflect.Message, name protoreflect.Name, s string) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfString(s))
}

func setTrue(m protoreflect.Message, name protoreflect.Name) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfBool(true))
}

func appendMessage(m protoreflect.Message, name protoreflect.Name, fill func(protoreflect.Message)) {
	list := m.Mutable(fieldOf(m, name)).List()
	el := list.NewElement()
	fill(el.Message())
	list.Append(el)
}

func encodePayload(msg protoreflect.Message, p *Payload) {
	if p.Timestamp != 0 {
		setUint(msg, "timestamp", p.Timestamp)
	}
	for _, m := range p.Metrics {
		m := m
		appendMessage(msg, "metrics", func(sub protoreflect.Message) { encodeMetric(sub, m) })
	}
	if p.HasSeq {
		setUint(msg, "seq", p.Seq)
	}
	if p.UUID != "" {
		setString(msg, "uuid", p.UUID)
	}
	if p.Body != nil {
		msg.Set(fieldOf(msg, "body"), protoreflect.ValueOfBytes(p.Body))
	}
}

func encodeMetric(msg protoreflect.Message, m *Metric) {
	if m.Name != "" {
		setString(msg, "name", m.Name)
	}
	if m.HasAlias {
		setUint(msg, "alias", m.Alias)
	}
	if m.Timestamp != 0 {
		setUint(msg, "timestamp", m.Timestamp)
	}
	if !m.typeDeferred() {
		setUint(msg, "datatype", uint64(m.DataType))
	}
	if m.IsHistorical {
		setTrue(msg, "is_historical")
	}
	if m.IsTransient {
		setTrue(msg, "is_transient")
	}
	if m.IsNull {
		setTrue(msg, "is_null")
	}
	if md := m.MetaData; md != nil {
		encodeMetaData(msg.Mutable(fieldOf(msg, "metadata")).Message(), md)
	}
	if ps := m.Properties; ps != nil {
		encodePropertySetMessage(msg.Mutable(fieldOf(msg, "properties")).Message(), ps)
	}
	encodeValueMessage(msg, &m.Value)
}

// encodeValueMessage sets the oneof member selected by w.Field, member names match ValueField.String.
func encodeValueMessage(msg protoreflect.Message, w *Value) {
	if w.Field == FieldNone {
		return
	}
	fd := fieldOf(msg, protoreflect.Name(w.Field.String()))
	if fd == nil {
		// checked before encoding, member is not valid in this container
		return
	}
	var v protoreflect.Value
	switch w.Field {
	case FieldInt:
		v = protoreflect.ValueOfUint32(w.Int)
	case FieldLong:
		v = protoreflect.ValueOfUint64(w.Long)
	case FieldFloat:
		v = protoreflect.ValueOfFloat32(w.Float)
	case FieldDouble:
		v = protoreflect.ValueOfFloat64(w.Double)
	case FieldBoolean:
		v = protoreflect.ValueOfBool(w.Boolean)
	case FieldString:
		v = protoreflect.ValueOfString(w.String)
	case FieldBytes:
		v = protoreflect.ValueOfBytes(w.Bytes)
	case FieldDataSet:
		encodeDataSetMessage(msg.Mutable(fd).Message(), w.DataSet)
		return
	case FieldTemplate:
		encodeTemplateMessage(msg.Mutable(fd).Message(), w.Template)
		return
	case FieldPropertySet:
		encodePropertySetMessage(msg.Mutable(fd).Message(), w.PropertySet)
		return
	case FieldPropertySetList:
		sub := msg.Mutable(fd).Message()
		for _, ps := range w.PropertySetList.PropertySets {
			ps := ps
			appendMessage(sub, "propertyset", func(el protoreflect.Message) { encodePropertySetMessage(el, ps) })
		}
		return
	default:
		return
	}
	msg.Set(fd, v)
}

func encodeMetaData(msg protoreflect.Message, md *MetaData) {
	if md.IsMultiPart {
		setTrue(msg, "is_multi_part")
	}
	if md.ContentType != "" {
		setString(msg, "content_type", md.ContentType)
	}
	if md.Size != 0 {
		setUint(msg, "size", md.Size)
	}
	if md.Seq != 0 {
		setUint(msg, "seq", md.Seq)
	}
	if md.FileName != "" {
		setString(msg, "file_name", md.FileName)
	}
	if md.FileType != "" {
		setString(msg, "file_type", md.FileType)
	}
	if md.MD5 != "" {
		setString(msg, "md5", md.MD5)
	}
	if md.Description != "" {
		setString(msg, "description", md.Description)
	}
}

func encodePropertySetMessage(msg protoreflect.Message, ps *PropertySetValue) {
	if len(ps.Keys) != 0 {
		keys := msg.Mutable(fieldOf(msg, "keys")).List()
		for _, k := range ps.Keys {
			keys.Append(protoreflect.ValueOfString(k))
		}
	}
	for _, pv := range ps.Values {
		pv := pv
		appendMessage(msg, "values", func(sub protoreflect.Message) {
			setUint(sub, "type", uint64(pv.Type))
			if pv.IsNull {
				setTrue(sub, "is_null")
			}
			encodeValueMessage(sub, &pv.Value)
		})
	}
}

func encodeDataSetMessage(msg protoreflect.Message, ds *DataSetValue) {
	setUint(msg, "num_of_columns", uint64(len(ds.Columns)))
	if len(ds.Columns) != 0 {
		columns := msg.Mutable(fieldOf(msg, "columns")).List()
		for _, c := range ds.Columns {
			columns.Append(protoreflect.ValueOfString(c))
		}
		types := msg.Mutable(fieldOf(msg, "types")).List()
		for _, dt := range ds.Types {
			types.Append(protoreflect.ValueOfUint32(uint32(dt)))
		}
	}
	for i := range ds.Rows {
		row := &ds.Rows[i]
		appendMessage(msg, "rows", func(sub protoreflect.Message) {
			for j := range row.Elements {
				w := &row.Elements[j]
				appendMessage(sub, "elements", func(el protoreflect.Message) { encodeValueMessage(el, w) })
			}
		})
	}
}

func encodeTemplateMessage(msg protoreflect.Message, t *TemplateValue) {
	if t.Version != "" {
		setString(msg, "version", t.Version)
	}
	for _, m := range t.Metrics {
		m := m
		appendMessage(msg, "metrics", func(sub protoreflect.Message) { encodeMetric(sub, m) })
	}
	for _, p := range t.Parameters {
		p := p
		appendMessage(msg, "parameters", func(sub protoreflect.Message) {
			if p.Name != "" {
				setString(sub, "name", p.Name)
			}
			setUint(sub, "type", uint64(p.Type))
			encodeValueMessage(sub, &p.Value)
		})
	}
	if t.TemplateRef != "" {
		setString(msg, "template_ref", t.TemplateRef)
	}
	if t.IsDefinition {
		setTrue(msg, "is_definition")
	}
}

// decoder walks parsed message into Payload model.
// Depth is checked here as well, the walk recurses the same way parsing did.
type decoder struct{ depth int }

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDecodeDepth {
		return decodeErrorf("nesting depth over %d", maxDecodeDepth)
	}
	return nil
}

func (d *decoder) leave() { d.depth-- }

func getUint(m protoreflect.Message, name protoreflect.Name) (uint64, bool) {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return 0, false
	}
	return m.Get(fd).Uint(), true
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(fieldOf(m, name)).String()
}

func getBool(m protoreflect.Message, name protoreflect.Name) bool {
	return m.Get(fieldOf(m, name)).Bool()
}

func listOf(m protoreflect.Message, name protoreflect.Name) protoreflect.List {
	return m.Get(fieldOf(m, name)).List()
}

// subMessage returns set message field, nil when absent.
func subMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return nil
	}
	return m.Get(fd).Message()
}

func decodePayload(msg protoreflect.Message, p *Payload) error {
	d := &decoder{}
	p.Timestamp, _ = getUint(msg, "timestamp")
	p.Seq, p.HasSeq = getUint(msg, "seq")
	p.UUID = getString(msg, "uuid")
	if fd := fieldOf(msg, "body"); msg.Has(fd) {
		p.Body = append([]byte{}, msg.Get(fd).Bytes()...)
	}
	metrics := listOf(msg, "metrics")
	for i := 0; i < metrics.Len(); i++ {
		m := &Metric{}
		if err := d.metric(metrics.Get(i).Message(), m); err != nil {
			return err
		}
		p.Metrics = append(p.Metrics, m)
	}
	return nil
}

func (d *decoder) metric(msg protoreflect.Message, m *Metric) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	m.Name = getString(msg, "name")
	m.Alias, m.HasAlias = getUint(msg, "alias")
	m.Timestamp, _ = getUint(msg, "timestamp")
	dt, ok := getUint(msg, "datatype")
	m.DataType, m.TypeOmitted = DataType(dt), !ok
	m.IsHistorical = getBool(msg, "is_historical")
	m.IsTransient = getBool(msg, "is_transient")
	m.IsNull = getBool(msg, "is_null")
	if md := subMessage(msg, "metadata"); md != nil {
		m.MetaData = decodeMetaData(md)
	}
	if ps := subMessage(msg, "properties"); ps != nil {
		m.Properties = &PropertySetValue{}
		if err := d.propertySet(ps, m.Properties); err != nil {
			return err
		}
	}
	return d.value(msg, &m.Value)
}

var valueFieldByName = func() map[protoreflect.Name]ValueField {
	out := make(map[protoreflect.Name]ValueField)
	for f := FieldInt; f <= FieldPropertySetList; f++ {
		out[protoreflect.Name(f.String())] = f
	}
	return out
}()

// value reads set oneof member, extension values stay FieldNone.
func (d *decoder) value(msg protoreflect.Message, w *Value) error {
	fd := msg.WhichOneof(msg.Descriptor().Oneofs().ByName("value"))
	if fd == nil {
		return nil
	}
	f, ok := valueFieldByName[fd.Name()]
	if !ok {
		return nil
	}
	v := msg.Get(fd)
	w.Field = f
	switch f {
	case FieldInt:
		w.Int = uint32(v.Uint())
	case FieldLong:
		w.Long = v.Uint()
	case FieldFloat:
		w.Float = float32(v.Float())
	case FieldDouble:
		w.Double = v.Float()
	case FieldBoolean:
		w.Boolean = v.Bool()
	case FieldString:
		w.String = v.String()
	case FieldBytes:
		w.Bytes = append([]byte{}, v.Bytes()...)
	case FieldDataSet:
		w.DataSet = &DataSetValue{}
		return d.dataSet(v.Message(), w.DataSet)
	case FieldTemplate:
		w.Template = &TemplateValue{}
		return d.template(v.Message(), w.Template)
	case FieldPropertySet:
		w.PropertySet = &PropertySetValue{}
		return d.propertySet(v.Message(), w.PropertySet)
	case FieldPropertySetList:
		w.PropertySetList = &PropertySetListValue{}
		return d.propertySetList(v.Message(), w.PropertySetList)
	}
	return nil
}

func decodeMetaData(msg protoreflect.Message) *MetaData {
	md := &MetaData{
		IsMultiPart: getBool(msg, "is_multi_part"),
		ContentType: getString(msg, "content_type"),
		FileName:    getString(msg, "file_name"),
		FileType:    getString(msg, "file_type"),
		MD5:         getString(msg, "md5"),
		Description: getString(msg, "description"),
	}
	md.Size, _ = getUint(msg, "size")
	md.Seq, _ = getUint(msg, "seq")
	return md
}

func (d *decoder) propertySet(msg protoreflect.Message, ps *PropertySetValue) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	keys, values := listOf(msg, "keys"), listOf(msg, "values")
	if keys.Len() != values.Len() {
		return decodeErrorf("propertyset keys=%d values=%d", keys.Len(), values.Len())
	}
	for i := 0; i < keys.Len(); i++ {
		ps.Keys = append(ps.Keys, keys.Get(i).String())
		pvm := values.Get(i).Message()
		dt, _ := getUint(pvm, "type")
		pv := &PropertyValue{Type: DataType(dt), IsNull: getBool(pvm, "is_null")}
		if err := d.value(pvm, &pv.Value); err != nil {
			return err
		}
		ps.Values = append(ps.Values, pv)
	}
	return nil
}

func (d *decoder) propertySetList(msg protoreflect.Message, psl *PropertySetListValue) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	sets := listOf(msg, "propertyset")
	for i := 0; i < sets.Len(); i++ {
		ps := &PropertySetValue{}
		if err := d.propertySet(sets.Get(i).Message(), ps); err != nil {
			return err
		}
		psl.PropertySets = append(psl.PropertySets, ps)
	}
	return nil
}

func (d *decoder) dataSet(msg protoreflect.Message, ds *DataSetValue) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	columns, types, rows := listOf(msg, "columns"), listOf(msg, "types"), listOf(msg, "rows")
	if n, ok := getUint(msg, "num_of_columns"); ok && n != uint64(columns.Len()) {
		return decodeErrorf("dataset num_of_columns=%d columns=%d", n, columns.Len())
	}
	for i := 0; i < columns.Len(); i++ {
		ds.Columns = append(ds.Columns, columns.Get(i).String())
	}
	for i := 0; i < types.Len(); i++ {
		ds.Types = append(ds.Types, DataType(types.Get(i).Uint()))
	}
	for i := 0; i < rows.Len(); i++ {
		elements := listOf(rows.Get(i).Message(), "elements")
		row := Row{Elements: make([]Value, elements.Len())}
		for j := range row.Elements {
			if err := d.value(elements.Get(j).Message(), &row.Elements[j]); err != nil {
				return err
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return nil
}

func (d *decoder) template(msg protoreflect.Message, t *TemplateValue) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	t.Version = getString(msg, "version")
	t.TemplateRef = getString(msg, "template_ref")
	t.IsDefinition = getBool(msg, "is_definition")
	metrics := listOf(msg, "metrics")
	for i := 0; i < metrics.Len(); i++ {
		m := &Metric{}
		if err := d.metric(metrics.Get(i).Message(), m); err != nil {
			return err
		}
		t.Metrics = append(t.Metrics, m)
	}
	params := listOf(msg, "parameters")
	for i := 0; i < params.Len(); i++ {
		pm := params.Get(i).Message()
		dt, _ := getUint(pm, "type")
		p := &Parameter{Name: getString(pm, "name"), Type: DataType(dt)}
		if err := d.value(pm, &p.Value); err != nil {
			return err
		}
		t.Parameters = append(t.Parameters, p)
	}
	return nil
}
