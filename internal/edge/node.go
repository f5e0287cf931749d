// Package edge implements Sparkplug edge node and device lifecycle:
// death certificate as last will, birth after subscribe, sequenced data,
// command routing with Node Control, bdSeq persistence and store and forward.
package edge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
	"github.com/temoto/sparkplug/internal/stat"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

const (
	ControlNextServer = sparkplug.ControlNextServer
	ControlRebirth    = sparkplug.ControlRebirth
	ControlReboot     = sparkplug.ControlReboot
)

var ErrNotAlive = errors.New("node not alive")

type State int32

const (
	StateUnborn State = iota
	StateAlive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnborn:
		return "unborn"
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	}
	return "invalid"
}

// WriteFunc applies command write to real output. Device is empty for node metrics.
// Nil error accepts the value, node model is updated and echoed as data.
type WriteFunc func(ctx context.Context, device, name string, value interface{}) error

type Options struct {
	GroupID    string
	NodeID     string
	Factory    transport.Factory
	Transport  transport.Options // ClientID defaults to group_node
	UseAliases bool
	WriteFunc  WriteFunc // nil accepts all writes
	QOS        byte      // births and data, death is always QOS 1

	PersistPath string // bdSeq storage dir, empty disables
	QueuePath   string // store and forward queue dir, empty disables, spq.OnlyForTesting for memory

	Log  *log2.Log
	Stat *stat.Stat
	Now  func() time.Time
}

type Node struct {
	mu    sync.Mutex
	opt   Options
	topt  transport.Options
	log   *log2.Log
	stat  *stat.Stat
	alive *alive.Alive

	seq     sparkplug.Sequence
	persist *Persist
	queue   *spq.Queue

	t       transport.Transporter
	death   []byte // payload registered as will
	state   State
	bornCh  chan struct{} // closed while alive
	started bool
	stopped bool

	metrics    model
	nextAlias  uint64
	devices    []*Device
	deviceByID map[string]*Device
}

var _ transport.Handler = &Node{}

func NewNode(opt Options) (*Node, error) {
	if err := validID("group", opt.GroupID); err != nil {
		return nil, err
	}
	if err := validID("node", opt.NodeID); err != nil {
		return nil, err
	}
	if opt.Factory == nil {
		return nil, errors.NotValidf("edge transport factory=nil")
	}
	if opt.Log == nil {
		opt.Log = log2.NewStderr(log2.LInfo)
	}
	if opt.Stat == nil {
		opt.Stat = stat.New()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	n := &Node{
		opt:        opt,
		log:        opt.Log,
		stat:       opt.Stat,
		alive:      alive.NewAlive(),
		bornCh:     make(chan struct{}),
		metrics:    newModel(),
		deviceByID: make(map[string]*Device),
	}
	n.persist = NewPersist("bdseq", &n.seq, opt.PersistPath, n.log)

	n.topt = opt.Transport
	if n.topt.ClientID == "" {
		n.topt.ClientID = opt.GroupID + "_" + opt.NodeID
	}
	if n.topt.NetworkTimeout == 0 {
		n.topt.NetworkTimeout = transport.DefaultNetworkTimeout
	}
	if n.topt.Log == nil {
		n.topt.Log = n.log
	}
	n.topt.CleanSession = true
	n.topt.Subscriptions = []transport.Subscription{
		{Filter: sparkplug.NodeCommandFilter(opt.GroupID, opt.NodeID), QOS: 1},
		{Filter: sparkplug.DeviceCommandFilter(opt.GroupID, opt.NodeID), QOS: 1},
	}

	for _, name := range []string{ControlNextServer, ControlRebirth, ControlReboot} {
		if err := n.defineLocked(&n.metrics, name, sparkplug.Boolean, false, []MetricOption{func(d *metricDef) { d.control = true }}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) GroupID() string { return n.opt.GroupID }
func (n *Node) NodeID() string  { return n.opt.NodeID }

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// BdSeq is the value advertised by registered death certificate.
func (n *Node) BdSeq() uint64 { return (n.seq.BdSeq() + 255) % 256 }

// DefineMetric adds node metric. Definitions after birth take effect at next birth.
// Initial nil is null value.
func (n *Node) DefineMetric(name string, dt sparkplug.DataType, initial interface{}, opts ...MetricOption) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.defineLocked(&n.metrics, name, dt, initial, opts)
}

func (n *Node) defineLocked(m *model, name string, dt sparkplug.DataType, initial interface{}, opts []MetricOption) error {
	d := &metricDef{name: name, dt: dt, value: initial, writable: true, alias: noAlias}
	for _, opt := range opts {
		opt(d)
	}
	if n.opt.UseAliases && !d.noAlias {
		d.alias = n.nextAlias
	}
	if err := m.define(d); err != nil {
		return err
	}
	if d.alias != noAlias {
		n.nextAlias++
	}
	if n.state == StateAlive {
		n.log.Infof("edge metric %s defined while alive, takes effect after rebirth", name)
	}
	return nil
}

// AddDevice registers device. Devices added before birth are born with node,
// later ones by Device.Birth after metrics are defined.
func (n *Node) AddDevice(id string) (*Device, error) {
	if err := validID("device", id); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.deviceByID[id]; ok {
		return nil, errors.AlreadyExistsf("device %s", id)
	}
	d := &Device{n: n, id: id, metrics: newModel()}
	n.devices = append(n.devices, d)
	n.deviceByID[id] = d
	return d, nil
}

func (n *Node) Device(id string) *Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deviceByID[id]
}

// RemoveDevice publishes DDEATH if device is born.
func (n *Node) RemoveDevice(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.deviceByID[id]
	if !ok {
		return errors.NotFoundf("device %s", id)
	}
	var err error
	if d.born && n.state == StateAlive {
		err = n.sendLocked(ctx, sparkplug.DDEATH, id, func() (*sparkplug.Payload, error) {
			return sparkplug.BuildDeviceDeathPayload(&n.seq, n.opt.Now()), nil
		})
	}
	delete(n.deviceByID, id)
	for i, x := range n.devices {
		if x == d {
			n.devices = append(n.devices[:i], n.devices[i+1:]...)
			break
		}
	}
	d.born = false
	d.removed = true
	return err
}

// Start loads bdSeq, registers death certificate as will and connects.
// Birth follows asynchronously after command subscriptions are acknowledged.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.Errorf("edge node %s already started", n.opt.NodeID)
	}
	n.started = true
	if err := n.persist.Load(); err != nil {
		n.mu.Unlock()
		return errors.Annotate(err, "edge start")
	}
	if n.opt.QueuePath != "" {
		stored, err := queueLen(n.opt.QueuePath)
		if err != nil {
			n.log.Errorf("edge queue depth unknown err=%v", err)
		}
		q, err := spq.Open(n.opt.QueuePath)
		if err != nil {
			n.mu.Unlock()
			return errors.Annotate(err, "edge queue")
		}
		n.queue = q
		n.stat.QueueDepth.Set(float64(stored))
		if n.alive.Add(1) {
			go n.forward()
		}
	}
	t, err := n.connectLocked()
	n.mu.Unlock()
	if err != nil {
		return errors.Annotate(err, "edge start")
	}
	return errors.Annotate(t.Connect(ctx), "edge start")
}

// connectLocked creates transport with fresh death certificate, bdSeq advances.
func (n *Node) connectLocked() (transport.Transporter, error) {
	t, err := n.opt.Factory(n.topt, n)
	if err != nil {
		return nil, err
	}
	st := n.seq.Snapshot()
	b, err := sparkplug.BuildNodeDeathPayload(&n.seq).Marshal()
	if err == nil {
		err = t.SetWill(&transport.Message{Topic: n.topic(sparkplug.NDEATH, ""), Payload: b, QOS: 1})
	}
	if err != nil {
		n.seq.Restore(st)
		_ = t.Close()
		return nil, errors.Annotate(err, "death certificate")
	}
	if err := n.persist.Store(); err != nil {
		// next restart may reuse bdSeq, session still works
		n.log.Errorf("edge bdSeq persist err=%v", err)
	}
	n.t = t
	n.death = b
	return t, nil
}

// Stop publishes death certificate explicitly and disconnects. Node can not be started again.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	t := n.t
	var err error
	if t != nil && n.state == StateAlive {
		err = n.publishDeathLocked(ctx)
	}
	n.setDeadLocked()
	n.t = nil
	n.mu.Unlock()

	if t != nil {
		if e := t.Close(); e != nil && err == nil {
			err = e
		}
	}
	n.alive.Stop()
	if n.queue != nil {
		_ = n.queue.Close()
	}
	n.alive.Wait()
	return errors.Annotate(err, "edge stop")
}

// Rebirth repeats NBIRTH and DBIRTH in current session. Seq is reset, bdSeq stays.
func (n *Node) Rebirth(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateAlive {
		return ErrNotAlive
	}
	return n.birthLocked(ctx)
}

// Reboot ends session with explicit death, then connects again with next bdSeq.
func (n *Node) Reboot(ctx context.Context) error {
	n.mu.Lock()
	if n.t == nil || n.stopped {
		n.mu.Unlock()
		return errors.Errorf("edge node %s not started", n.opt.NodeID)
	}
	old := n.t
	if n.state == StateAlive {
		if err := n.publishDeathLocked(ctx); err != nil {
			n.log.Errorf("edge reboot death err=%v", err)
		}
	}
	n.setDeadLocked()
	n.t = nil
	_ = old.Close()
	t, err := n.connectLocked()
	n.mu.Unlock()
	if err != nil {
		return errors.Annotate(err, "edge reboot")
	}
	n.log.Infof("edge reboot bdSeq=%d", n.BdSeq())
	return errors.Annotate(t.Connect(ctx), "edge reboot")
}

// Publish sends NDATA. When node is not alive and queue is enabled, updates are stored
// and forwarded later as historical.
func (n *Node) Publish(ctx context.Context, updates ...Update) error {
	return n.publishData(ctx, nil, updates)
}

func (n *Node) OnConnect(t transport.Transporter) {
	n.log.Debugf("edge %s connected", n.opt.NodeID)
}

func (n *Node) OnSubscribe(t transport.Transporter, filters []string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.topt.NetworkTimeout)
	defer cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	if t != n.t {
		return
	}
	if err := n.birthLocked(ctx); err != nil {
		n.log.Errorf("edge birth err=%v", err)
	}
}

func (n *Node) OnConnectionLost(t transport.Transporter, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t != n.t {
		return
	}
	n.log.Errorf("edge %s connection lost err=%v", n.opt.NodeID, err)
	n.setDeadLocked()
}

func (n *Node) birthLocked(ctx context.Context) error {
	err := n.sendLocked(ctx, sparkplug.NBIRTH, "", func() (*sparkplug.Payload, error) {
		p := sparkplug.BuildNodeBirthPayload(&n.seq, n.opt.Now())
		return p, n.metrics.birthMetrics(p, n.opt.UseAliases, p.Timestamp)
	})
	if err != nil {
		return err
	}
	n.setAliveLocked()
	for _, d := range n.devices {
		d.born = false
	}
	for _, d := range n.devices {
		if err := n.birthDeviceLocked(ctx, d); err != nil {
			return err
		}
	}
	n.stat.Births.Inc()
	n.log.Infof("edge %s born bdSeq=%d devices=%d", n.opt.NodeID, n.BdSeq(), len(n.devices))
	return nil
}

func (n *Node) birthDeviceLocked(ctx context.Context, d *Device) error {
	err := n.sendLocked(ctx, sparkplug.DBIRTH, d.id, func() (*sparkplug.Payload, error) {
		p := sparkplug.BuildDeviceBirthPayload(&n.seq, n.opt.Now())
		return p, d.metrics.birthMetrics(p, n.opt.UseAliases, p.Timestamp)
	})
	if err == nil {
		d.born = true
	}
	return err
}

func (n *Node) publishDeathLocked(ctx context.Context) error {
	mt := sparkplug.NDEATH
	err := n.t.Publish(ctx, &transport.Message{Topic: n.topic(mt, ""), Payload: n.death, QOS: 1})
	n.count(mt, err)
	return errors.Annotatef(err, "%s", mt)
}

// sendLocked is the only path of sequenced messages: snapshot, build, marshal, publish.
// Any failure restores counters, so seq order equals publish order without holes.
func (n *Node) sendLocked(ctx context.Context, mt sparkplug.MessageType, device string, build func() (*sparkplug.Payload, error)) error {
	if n.t == nil {
		return ErrNotAlive
	}
	st := n.seq.Snapshot()
	p, err := build()
	var b []byte
	if err == nil {
		b, err = p.Marshal()
	}
	if err == nil {
		err = n.t.Publish(ctx, &transport.Message{Topic: n.topic(mt, device), Payload: b, QOS: n.opt.QOS})
	}
	if err != nil {
		n.seq.Restore(st)
	}
	n.count(mt, err)
	return errors.Annotatef(err, "%s", mt)
}

func (n *Node) publishData(ctx context.Context, d *Device, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	m, mt, devID := &n.metrics, sparkplug.NDATA, ""
	if d != nil {
		if d.removed {
			return errors.NotFoundf("device %s", d.id)
		}
		m, mt, devID = &d.metrics, sparkplug.DDATA, d.id
	}
	if n.state != StateAlive {
		if n.queue == nil {
			return ErrNotAlive
		}
		return n.enqueueLocked(m, devID, updates)
	}
	if d != nil && !d.born {
		return errors.Errorf("device %s not born", d.id)
	}
	var defs []*metricDef
	err := n.sendLocked(ctx, mt, devID, func() (*sparkplug.Payload, error) {
		p := sparkplug.BuildDataPayload(&n.seq, n.opt.Now())
		var err error
		defs, err = m.dataMetrics(p, n.opt.UseAliases, p.Timestamp, updates)
		return p, err
	})
	if err != nil {
		return err
	}
	for i, def := range defs {
		def.value = updates[i].Value
	}
	return nil
}

func (n *Node) setAliveLocked() {
	if n.state != StateAlive {
		n.state = StateAlive
		close(n.bornCh)
	}
}

func (n *Node) setDeadLocked() {
	if n.state == StateAlive {
		n.bornCh = make(chan struct{})
		n.stat.Deaths.Inc()
		n.state = StateDead
		for _, d := range n.devices {
			d.born = false
		}
	} else if n.state == StateUnborn && n.started {
		n.state = StateDead
	}
}

func (n *Node) count(mt sparkplug.MessageType, err error) {
	if err != nil {
		n.stat.PublishErrors.WithLabelValues(string(mt)).Inc()
	} else {
		n.stat.Published.WithLabelValues(string(mt)).Inc()
	}
}

func (n *Node) topic(mt sparkplug.MessageType, device string) string {
	return sparkplug.BuildTopic(mt, n.opt.GroupID, n.opt.NodeID, device)
}

func validID(what, id string) error {
	if id == "" {
		return errors.NotValidf("%s id empty", what)
	}
	if strings.ContainsAny(id, "/+#") {
		return errors.NotValidf("%s id=%q with topic separator or wildcard", what, id)
	}
	return nil
}
