package sparkplug

// ValueField selects which member of the wire value oneof is populated.
type ValueField uint8

const (
	FieldNone ValueField = iota
	FieldInt
	FieldLong
	FieldFloat
	FieldDouble
	FieldBoolean
	FieldString
	FieldBytes
	FieldDataSet
	FieldTemplate
	FieldPropertySet
	FieldPropertySetList
)

func (f ValueField) String() string {
	switch f {
	case FieldNone:
		return "none"
	case FieldInt:
		return "int_value"
	case FieldLong:
		return "long_value"
	case FieldFloat:
		return "float_value"
	case FieldDouble:
		return "double_value"
	case FieldBoolean:
		return "boolean_value"
	case FieldString:
		return "string_value"
	case FieldBytes:
		return "bytes_value"
	case FieldDataSet:
		return "dataset_value"
	case FieldTemplate:
		return "template_value"
	case FieldPropertySet:
		return "propertyset_value"
	case FieldPropertySetList:
		return "propertysets_value"
	}
	return "invalid"
}

// Value is the oneof value shared by metrics, dataset cells, property values
// and template parameters. Only the member selected by Field is meaningful.
type Value struct {
	Field           ValueField
	Int             uint32
	Long            uint64
	Float           float32
	Double          float64
	Boolean         bool
	String          string
	Bytes           []byte
	DataSet         *DataSetValue
	Template        *TemplateValue
	PropertySet     *PropertySetValue
	PropertySetList *PropertySetListValue
}

type Payload struct {
	Timestamp uint64 // 0 = absent
	Seq       uint64
	HasSeq    bool
	UUID      string
	Body      []byte
	Metrics   []*Metric
}

func (p *Payload) SetSeq(seq uint64) { p.Seq, p.HasSeq = seq, true }
func (p *Payload) GetSeq() (uint64, bool) { return p.Seq, p.HasSeq }

// MetricContainer is implemented by Payload and TemplateValue.
type MetricContainer interface {
	AddMetric(m *Metric)
}

func (p *Payload) AddMetric(m *Metric) { p.Metrics = append(p.Metrics, m) }

// Metric by name, returns nil if not found.
func (p *Payload) Metric(name string) *Metric {
	for _, m := range p.Metrics {
		if m.Name == name {
			return m
		}
	}
	return nil
}

type Metric struct {
	Name         string
	Alias        uint64
	HasAlias     bool
	Timestamp    uint64
	DataType     DataType
	TypeOmitted  bool // datatype absent on the wire, see ResolveType
	IsHistorical bool
	IsTransient  bool
	IsNull       bool
	MetaData     *MetaData
	Properties   *PropertySetValue
	Value        Value
}

func (m *Metric) SetAlias(a uint64) { m.Alias, m.HasAlias = a, true }

// Key is the metric name, or "#alias" for alias only metrics.
func (m *Metric) Key() string {
	if m.Name != "" || !m.HasAlias {
		return m.Name
	}
	return "#" + formatUint(m.Alias)
}

type MetaData struct {
	IsMultiPart bool
	ContentType string
	Size        uint64
	Seq         uint64
	FileName    string
	FileType    string
	MD5         string
	Description string
}

type DataSetValue struct {
	Columns []string
	Types   []DataType
	Rows    []Row
}

type Row struct {
	Elements []Value
}

type TemplateValue struct {
	Version      string
	Metrics      []*Metric
	Parameters   []*Parameter
	TemplateRef  string
	IsDefinition bool
}

func (t *TemplateValue) AddMetric(m *Metric) { t.Metrics = append(t.Metrics, m) }

type Parameter struct {
	Name  string
	Type  DataType
	Value Value
}

type PropertyValue struct {
	Type   DataType
	IsNull bool
	Value  Value
}

// PropertySetValue is an ordered key to typed value mapping.
type PropertySetValue struct {
	Keys   []string
	Values []*PropertyValue
}

type PropertySetListValue struct {
	PropertySets []*PropertySetValue
}
