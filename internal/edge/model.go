package edge

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sparkplug/sparkplug"
)

// Update is a new value of defined metric for Publish. Nil Value publishes null.
type Update struct {
	Name  string
	Value interface{}
	Time  time.Time // zero means payload time
}

type metricDef struct {
	name     string
	alias    uint64
	dt       sparkplug.DataType
	value    interface{}
	opts     []sparkplug.MetricOption
	writable bool
	control  bool
	noAlias  bool
}

// model is ordered set of metric definitions of node or device.
type model struct {
	list    []*metricDef
	byName  map[string]*metricDef
	byAlias map[uint64]*metricDef
}

func newModel() model {
	return model{
		byName:  make(map[string]*metricDef),
		byAlias: make(map[uint64]*metricDef),
	}
}

type MetricOption func(*metricDef)

// ReadOnly metric rejects command writes without calling WriteFunc.
func ReadOnly() MetricOption { return func(d *metricDef) { d.writable = false } }

// WithoutAlias keeps metric out of alias numbering, like template definitions.
func WithoutAlias() MetricOption { return func(d *metricDef) { d.noAlias = true } }

// WithMetricOptions are applied to metric in births, for example properties or metadata.
func WithMetricOptions(opts ...sparkplug.MetricOption) MetricOption {
	return func(d *metricDef) { d.opts = append(d.opts, opts...) }
}

func (m *model) define(d *metricDef) error {
	if d.name == "" {
		return errors.NotValidf("metric name empty")
	}
	if _, ok := m.byName[d.name]; ok {
		return errors.AlreadyExistsf("metric %s", d.name)
	}
	// check value encodes, unsupported type fails here rather than at birth
	if _, err := d.metric(true, d.alias != noAlias, 0); err != nil {
		return errors.Annotatef(err, "define metric %s", d.name)
	}
	m.list = append(m.list, d)
	m.byName[d.name] = d
	if d.alias != noAlias {
		m.byAlias[d.alias] = d
	}
	return nil
}

// resolve finds definition for command metric by name, then alias.
func (m *model) resolve(cm *sparkplug.Metric) *metricDef {
	if cm.Name != "" {
		return m.byName[cm.Name]
	}
	if cm.HasAlias {
		return m.byAlias[cm.Alias]
	}
	return nil
}

const noAlias = ^uint64(0)

// metric builds wire metric with current value.
// Birth carries name and alias, data with aliases enabled carries alias only.
func (d *metricDef) metric(birth bool, aliases bool, ts uint64) (*sparkplug.Metric, error) {
	return d.metricValue(d.value, birth, aliases, ts)
}

func (d *metricDef) metricValue(v interface{}, birth bool, aliases bool, ts uint64) (*sparkplug.Metric, error) {
	name := d.name
	opts := make([]sparkplug.MetricOption, 0, len(d.opts)+2)
	if birth {
		opts = append(opts, d.opts...)
	}
	if aliases && d.alias != noAlias {
		opts = append(opts, sparkplug.WithAlias(d.alias))
		if !birth {
			name = ""
		}
	}
	if ts != 0 {
		opts = append(opts, sparkplug.WithTimestamp(ts))
	}
	if v == nil || v == sparkplug.Null {
		return sparkplug.NewNullMetric(name, d.dt, opts...)
	}
	return sparkplug.NewMetric(name, d.dt, v, opts...)
}

func (m *model) birthMetrics(c sparkplug.MetricContainer, aliases bool, ts uint64) error {
	for _, d := range m.list {
		bm, err := d.metric(true, aliases, ts)
		if err != nil {
			return err
		}
		c.AddMetric(bm)
	}
	return nil
}

// dataMetrics validates updates before any state change.
func (m *model) dataMetrics(c sparkplug.MetricContainer, aliases bool, ts uint64, updates []Update) ([]*metricDef, error) {
	defs := make([]*metricDef, len(updates))
	for i, u := range updates {
		d, ok := m.byName[u.Name]
		if !ok {
			return nil, errors.NotFoundf("metric %s", u.Name)
		}
		mts := ts
		if !u.Time.IsZero() {
			mts = sparkplug.Millis(u.Time)
		}
		dm, err := d.metricValue(u.Value, false, aliases, mts)
		if err != nil {
			return nil, err
		}
		c.AddMetric(dm)
		defs[i] = d
	}
	return defs, nil
}
