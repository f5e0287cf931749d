package emulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/internal/edge"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
)

const (
	MetricInputString = "input/Device Metric0"
	MetricInputBool   = "input/Device Metric1"
	MetricOutputInt   = "output/Device Metric2"
	MetricOutputBool  = "output/Device Metric3"
	MetricMotor       = "My_Custom_Motor"
	MotorTemplate     = "Custom_Motor"
	MotorTemplateName = "_types_/" + MotorTemplate
	MetricDataSet     = "DataSet"
	MetricNodeCounter = "Node Metric4"
	typesPrefix       = "types/"
	propertiesPrefix  = "Properties/"
)

// Emulator is simulated process behind edge node: node and device metrics of every datatype,
// outputs accept writes, inputs change on every Tick.
type Emulator struct {
	mu      sync.Mutex
	log     *log2.Log
	rand    *rand.Rand
	now     func() time.Time
	outputs map[string]interface{} // device/name
	counter int64
}

func NewEmulator(log *log2.Log) *Emulator {
	return &Emulator{
		log:     log,
		rand:    helpers.RandUnix(),
		now:     time.Now,
		outputs: make(map[string]interface{}),
	}
}

// Write is edge.WriteFunc, emulated outputs accept any value of defined type.
func (e *Emulator) Write(ctx context.Context, device, name string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Infof("emulator write device=%s metric=%s value=%v", device, name, value)
	e.outputs[device+"/"+name] = value
	return nil
}

// Output returns last written value.
func (e *Emulator) Output(device, name string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.outputs[device+"/"+name]
	return v, ok
}

func motorTemplate(def bool, index string, rpm, amp int32) (*sparkplug.TemplateValue, error) {
	var t *sparkplug.TemplateValue
	if def {
		t = sparkplug.NewTemplateDefinition("")
	} else {
		t = sparkplug.NewTemplateInstance(MotorTemplate)
	}
	if err := t.AddParameter("Index", sparkplug.String, index); err != nil {
		return nil, err
	}
	for _, x := range []struct {
		name string
		v    int32
	}{{"RPMs", rpm}, {"AMPs", amp}} {
		m, err := sparkplug.NewMetric(x.name, sparkplug.Int32, x.v)
		if err != nil {
			return nil, err
		}
		t.AddMetric(m)
	}
	return t, nil
}

func sampleValues(now time.Time) []struct {
	dt sparkplug.DataType
	v  interface{}
} {
	ms := now.Truncate(time.Millisecond).UTC()
	return []struct {
		dt sparkplug.DataType
		v  interface{}
	}{
		{sparkplug.Int8, int8(-8)},
		{sparkplug.Int16, int16(-16)},
		{sparkplug.Int32, int32(-32)},
		{sparkplug.Int64, int64(-64)},
		{sparkplug.UInt8, uint8(8)},
		{sparkplug.UInt16, uint16(16)},
		{sparkplug.UInt32, uint32(32)},
		{sparkplug.UInt64, uint64(64)},
		{sparkplug.Float, float32(1.5)},
		{sparkplug.Double, 2.5},
		{sparkplug.Boolean, true},
		{sparkplug.String, "hello"},
		{sparkplug.DateTime, ms},
		{sparkplug.Text, "multi\nline"},
		{sparkplug.UUID, uuid.New().String()},
		{sparkplug.Bytes, []byte{0x0c, 0x00, 0xff}},
		{sparkplug.File, []byte("file content")},
		{sparkplug.Int8Array, []int8{-1, 0, 1}},
		{sparkplug.Int16Array, []int16{-300, 300}},
		{sparkplug.Int32Array, []int32{-70000, 70000}},
		{sparkplug.Int64Array, []int64{-1 << 40, 1 << 40}},
		{sparkplug.UInt8Array, []uint8{0, 255}},
		{sparkplug.UInt16Array, []uint16{0, 65535}},
		{sparkplug.UInt32Array, []uint32{0, 1 << 31}},
		{sparkplug.UInt64Array, []uint64{0, 1 << 63}},
		{sparkplug.FloatArray, []float32{1.25, -2.5}},
		{sparkplug.DoubleArray, []float64{1e100, -1e-100}},
		{sparkplug.BooleanArray, []bool{true, false, true}},
		{sparkplug.StringArray, []string{"ab", "", "cd"}},
		{sparkplug.DateTimeArray, []time.Time{ms, ms.Add(time.Second)}},
	}
}

// Define adds emulated model to node before Start.
func (e *Emulator) Define(n *edge.Node, devices []string) error {
	ro := edge.ReadOnly()
	errs := make([]error, 0)
	def := func(err error) { errs = append(errs, err) }

	def(n.DefineMetric("Node Metric0", sparkplug.String, "hello node", ro))
	def(n.DefineMetric("Node Metric1", sparkplug.Boolean, true))
	units := sparkplug.NewPropertySet()
	def(units.Set("engUnit", sparkplug.String, "MyCustomUnits"))
	def(n.DefineMetric("Node Metric2", sparkplug.Int16, int16(13), edge.WithMetricOptions(sparkplug.WithProperties(units))))
	def(n.DefineMetric("Node Metric3", sparkplug.Int32, nil))
	def(n.DefineMetric(MetricNodeCounter, sparkplug.Int64, int64(0), ro))

	ds, err := sparkplug.NewDataSet([]string{"Int8s", "Int16s", "Int32s"}, []sparkplug.DataType{sparkplug.Int8, sparkplug.Int16, sparkplug.Int32})
	def(err)
	if ds != nil {
		def(ds.AddRow(int8(0), int16(1), int32(2)))
		def(ds.AddRow(int8(3), int16(4), int32(5)))
		def(n.DefineMetric(MetricDataSet, sparkplug.DataSet, ds, ro))
	}

	motorDef, err := motorTemplate(true, "0", 0, 0)
	def(err)
	def(n.DefineMetric(MotorTemplateName, sparkplug.Template, motorDef, ro, edge.WithoutAlias()))

	def(n.DefineMetric(propertiesPrefix+"Hardware Make", sparkplug.String, "Sparkplug Go", ro))
	def(n.DefineMetric(propertiesPrefix+"Weight Of Unit", sparkplug.Double, 3.14, ro,
		edge.WithMetricOptions(sparkplug.WithMetaData(&sparkplug.MetaData{Description: "kilograms"}))))

	for _, id := range devices {
		d, err := n.AddDevice(id)
		if err != nil {
			def(err)
			continue
		}
		def(d.DefineMetric(MetricInputString, sparkplug.String, "hello device", ro))
		def(d.DefineMetric(MetricInputBool, sparkplug.Boolean, true, ro))
		def(d.DefineMetric(MetricOutputInt, sparkplug.Int16, int16(16)))
		def(d.DefineMetric(MetricOutputBool, sparkplug.Boolean, true))
		motor, err := motorTemplate(false, "1", 123, 456)
		def(err)
		def(d.DefineMetric(MetricMotor, sparkplug.Template, motor, ro))
		for _, x := range sampleValues(e.now()) {
			def(d.DefineMetric(typesPrefix+x.dt.String(), x.dt, x.v))
		}
	}
	return errors.Annotate(helpers.FoldErrors(errs), "emulator define")
}

func (e *Emulator) randomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[e.rand.Intn(len(letters))]
	}
	return string(b)
}

// Tick publishes changed inputs: node counter as NDATA, random inputs as DDATA per device.
func (e *Emulator) Tick(ctx context.Context, n *edge.Node, devices []string) error {
	e.mu.Lock()
	e.counter++
	counter := e.counter
	s := e.randomString(12)
	b := e.rand.Intn(2) == 1
	e.mu.Unlock()

	errs := make([]error, 0, len(devices)+1)
	errs = append(errs, n.Publish(ctx, edge.Update{Name: MetricNodeCounter, Value: counter}))
	for _, id := range devices {
		d := n.Device(id)
		if d == nil {
			continue
		}
		errs = append(errs, d.Publish(ctx,
			edge.Update{Name: MetricInputString, Value: s},
			edge.Update{Name: MetricInputBool, Value: b},
		))
	}
	return helpers.FoldErrors(errs)
}

// Run calls Tick every interval until stop is closed. Publish errors while node is dead are logged.
func (e *Emulator) Run(ctx context.Context, n *edge.Node, devices []string, interval time.Duration, stop <-chan struct{}) {
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tmr.C:
			if err := e.Tick(ctx, n, devices); err != nil {
				e.log.Errorf("emulator tick err=%v", err)
			}
		}
	}
}
