package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sparkplug/internal/stat"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

const DefaultRebirthDebounce = 5 * time.Second

// Publisher sends rebirth requests, usually session Transporter.
type Publisher interface {
	Publish(ctx context.Context, m *transport.Message) error
}

type DataFunc func(topic sparkplug.Topic, metrics []*sparkplug.Metric)

type MonitorOptions struct {
	RebirthDebounce time.Duration // one rebirth request per node per window
	OnData          DataFunc      // births and data with aliases resolved to names
	Log             *log2.Log
	Stat            *stat.Stat
	Now             func() time.Time
}

// NodeInfo is a snapshot of edge node state as seen by host.
type NodeInfo struct {
	GroupID string
	NodeID  string
	Online  bool
	BdSeq   uint64
	Seq     uint64
	Devices []string // online, sorted
}

type nodeKey struct{ group, node string }

// metricRef is metric name within node, device is empty for node metrics.
type metricRef struct{ device, name string }

type nodeState struct {
	online      bool
	bdSeq       uint64
	hasBdSeq    bool
	seq         uint64
	aliases     map[uint64]string
	types       map[metricRef]sparkplug.DataType // from births, data may omit datatype
	devices     map[string]bool
	lastRebirth time.Time
}

// Monitor tracks edge nodes from births, deaths and data sequence.
// Gaps are answered with rebirth request over Publisher.
type Monitor struct {
	mu    sync.Mutex
	opt   MonitorOptions
	log   *log2.Log
	stat  *stat.Stat
	nodes map[nodeKey]*nodeState
}

func NewMonitor(opt MonitorOptions) *Monitor {
	if opt.RebirthDebounce == 0 {
		opt.RebirthDebounce = DefaultRebirthDebounce
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
	return &Monitor{
		opt:   opt,
		log:   opt.Log,
		stat:  opt.Stat,
		nodes: make(map[nodeKey]*nodeState),
	}
}

// Handle processes one message from namespace subscription.
// Returned error is informational, monitor state is already updated and rebirth requested.
func (mon *Monitor) Handle(ctx context.Context, pub Publisher, m *transport.Message) error {
	topic, err := sparkplug.ParseTopic(m.Topic)
	if err != nil {
		if _, serr := sparkplug.ParseStateTopic(m.Topic); serr == nil {
			mon.log.Debugf("host state topic=%s payload=%s", m.Topic, m.Payload)
			return nil
		}
		mon.stat.DecodeErrors.Inc()
		return err
	}
	switch topic.Type {
	case sparkplug.NCMD, sparkplug.DCMD, sparkplug.STATE:
		return nil
	}
	p, err := sparkplug.ParsePayload(m.Payload)
	if err != nil {
		mon.stat.DecodeErrors.Inc()
		return errors.Annotatef(err, "host topic=%s", m.Topic)
	}
	mon.stat.Received.WithLabelValues(string(topic.Type)).Inc()

	deliver, err := mon.update(topic, p)
	if sparkplug.IsSequenceGap(err) {
		mon.stat.SequenceGaps.Inc()
		mon.log.Errorf("host %v", err)
		if rerr := mon.requestRebirth(ctx, pub, topic.GroupID, topic.NodeID); rerr != nil {
			mon.log.Errorf("host rebirth request group=%s node=%s err=%v", topic.GroupID, topic.NodeID, rerr)
		}
	}
	if deliver && mon.opt.OnData != nil && len(p.Metrics) != 0 {
		mon.opt.OnData(topic, p.Metrics)
	}
	return err
}

// update applies message to node state under lock, aliases in p are resolved in place.
func (mon *Monitor) update(topic sparkplug.Topic, p *sparkplug.Payload) (bool, error) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	key := nodeKey{topic.GroupID, topic.NodeID}
	ns := mon.nodes[key]
	seq, hasSeq := p.GetSeq()

	switch topic.Type {
	case sparkplug.NBIRTH:
		if ns == nil {
			ns = &nodeState{}
			mon.nodes[key] = ns
		}
		ns.bdSeq, ns.hasBdSeq = sparkplug.BdSeqOf(p)
		if !ns.hasBdSeq {
			mon.log.Errorf("host topic=%s birth without bdSeq", topic)
		}
		ns.aliases = make(map[uint64]string)
		ns.types = make(map[metricRef]sparkplug.DataType)
		ns.devices = make(map[string]bool)
		ns.learn("", p.Metrics)
		ns.seq = seq
		mon.setOnlineLocked(ns, true)
		mon.log.Infof("host node online group=%s node=%s bdSeq=%d", topic.GroupID, topic.NodeID, ns.bdSeq)
		if !hasSeq || seq != 0 {
			return true, &sparkplug.SequenceGapError{Topic: topic.String(), Expected: 0, Got: seq}
		}
		return true, nil

	case sparkplug.NDEATH:
		bd, ok := sparkplug.BdSeqOf(p)
		if ns == nil || !ns.online || !ok || !ns.hasBdSeq || bd != ns.bdSeq {
			mon.stat.StaleDeaths.Inc()
			mon.log.Infof("host ignore stale death topic=%s bdSeq=%d", topic, bd)
			return false, nil
		}
		mon.setOnlineLocked(ns, false)
		ns.devices = make(map[string]bool)
		mon.log.Infof("host node offline group=%s node=%s bdSeq=%d", topic.GroupID, topic.NodeID, bd)
		return false, nil
	}

	// NDATA, DBIRTH, DDATA, DDEATH
	if ns == nil || !ns.online {
		return false, &sparkplug.SequenceGapError{Topic: topic.String(), Got: seq}
	}
	expect := (ns.seq + 1) % 256
	ns.seq = seq
	var gap error
	if !hasSeq || seq != expect {
		gap = &sparkplug.SequenceGapError{Topic: topic.String(), Expected: expect, Got: seq}
	}
	switch topic.Type {
	case sparkplug.DBIRTH:
		ns.devices[topic.DeviceID] = true
		ns.learn(topic.DeviceID, p.Metrics)
	case sparkplug.DDEATH:
		delete(ns.devices, topic.DeviceID)
		return false, gap
	case sparkplug.DDATA:
		if gap == nil && !ns.devices[topic.DeviceID] {
			gap = &sparkplug.SequenceGapError{Topic: topic.String(), Expected: expect, Got: seq}
			mon.log.Errorf("host data of offline device topic=%s", topic)
		}
	}
	ns.resolve(mon.log, topic, p.Metrics)
	return true, gap
}

func (ns *nodeState) learn(device string, ms []*sparkplug.Metric) {
	for _, m := range ms {
		if m.Name == "" {
			continue
		}
		if m.HasAlias {
			ns.aliases[m.Alias] = m.Name
		}
		if !m.TypeOmitted {
			ns.types[metricRef{device, m.Name}] = m.DataType
		}
	}
}

// resolve fills names of alias only metrics and datatypes omitted in data.
func (ns *nodeState) resolve(log *log2.Log, topic sparkplug.Topic, ms []*sparkplug.Metric) {
	for _, m := range ms {
		if m.Name == "" && m.HasAlias {
			if name, ok := ns.aliases[m.Alias]; ok {
				m.Name = name
			} else {
				log.Errorf("host topic=%s unknown alias=%d", topic, m.Alias)
			}
		}
		if !m.TypeOmitted || m.Name == "" {
			continue
		}
		dt, ok := ns.types[metricRef{topic.DeviceID, m.Name}]
		if !ok {
			log.Errorf("host topic=%s metric=%s datatype unknown, not in birth", topic, m.Name)
			continue
		}
		if err := m.ResolveType(dt); err != nil {
			log.Errorf("host topic=%s err=%v", topic, err)
		}
	}
}

func (mon *Monitor) setOnlineLocked(ns *nodeState, online bool) {
	if ns.online == online {
		return
	}
	ns.online = online
	if online {
		mon.stat.NodesOnline.Inc()
	} else {
		mon.stat.NodesOnline.Dec()
	}
}

// requestRebirth publishes NCMD Rebirth=true unless one was sent within debounce window.
func (mon *Monitor) requestRebirth(ctx context.Context, pub Publisher, group, node string) error {
	now := mon.opt.Now()
	mon.mu.Lock()
	ns := mon.nodes[nodeKey{group, node}]
	if ns == nil {
		ns = &nodeState{}
		mon.nodes[nodeKey{group, node}] = ns
	}
	if !ns.lastRebirth.IsZero() && now.Sub(ns.lastRebirth) < mon.opt.RebirthDebounce {
		mon.mu.Unlock()
		mon.log.Debugf("host rebirth request group=%s node=%s debounced", group, node)
		return nil
	}
	ns.lastRebirth = now
	mon.mu.Unlock()

	if pub == nil {
		return errors.Errorf("no publisher")
	}
	b, err := sparkplug.BuildRebirthCommand(now).Marshal()
	if err != nil {
		return err
	}
	if err = pub.Publish(ctx, &transport.Message{Topic: sparkplug.BuildTopic(sparkplug.NCMD, group, node, ""), Payload: b}); err != nil {
		return err
	}
	mon.stat.RebirthRequests.Inc()
	mon.log.Infof("host rebirth requested group=%s node=%s", group, node)
	return nil
}

func (mon *Monitor) Nodes() []NodeInfo {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	result := make([]NodeInfo, 0, len(mon.nodes))
	for key, ns := range mon.nodes {
		info := NodeInfo{GroupID: key.group, NodeID: key.node, Online: ns.online, BdSeq: ns.bdSeq, Seq: ns.seq}
		for id, on := range ns.devices {
			if on {
				info.Devices = append(info.Devices, id)
			}
		}
		sort.Strings(info.Devices)
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].GroupID != result[j].GroupID {
			return result[i].GroupID < result[j].GroupID
		}
		return result[i].NodeID < result[j].NodeID
	})
	return result
}

func (mon *Monitor) IsOnline(group, node string) bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	ns := mon.nodes[nodeKey{group, node}]
	return ns != nil && ns.online
}

func (mon *Monitor) IsDeviceOnline(group, node, device string) bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	ns := mon.nodes[nodeKey{group, node}]
	return ns != nil && ns.online && ns.devices[device]
}
