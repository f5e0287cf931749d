package edge

import (
	"context"

	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

// OnMessage handles NCMD and DCMD addressed to this node, everything else is ignored.
// Bad commands are logged and dropped, they never change node state.
func (n *Node) OnMessage(t transport.Transporter, m *transport.Message) {
	topic, err := sparkplug.ParseTopic(m.Topic)
	if err != nil {
		n.log.Debugf("edge ignore topic=%s err=%v", m.Topic, err)
		return
	}
	if topic.GroupID != n.opt.GroupID || topic.NodeID != n.opt.NodeID ||
		(topic.Type != sparkplug.NCMD && topic.Type != sparkplug.DCMD) {
		n.log.Debugf("edge ignore topic=%s", m.Topic)
		return
	}
	p, err := sparkplug.ParsePayload(m.Payload)
	if err != nil {
		n.log.Errorf("edge command topic=%s err=%v", m.Topic, err)
		n.stat.Commands.WithLabelValues("invalid").Inc()
		return
	}

	n.mu.Lock()
	current := t == n.t
	var d *Device
	if topic.Type == sparkplug.DCMD {
		d = n.deviceByID[topic.DeviceID]
	}
	n.mu.Unlock()
	if !current {
		return
	}
	if topic.Type == sparkplug.DCMD && d == nil {
		n.log.Warningf("edge command for unknown device=%s", topic.DeviceID)
		n.stat.Commands.WithLabelValues("unknown_device").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.topt.NetworkTimeout)
	defer cancel()
	n.command(ctx, d, p)
}

func (n *Node) command(ctx context.Context, d *Device, p *sparkplug.Payload) {
	devID := ""
	mdl := &n.metrics
	if d != nil {
		devID, mdl = d.id, &d.metrics
	}
	var rebirth, reboot bool
	var updates []Update
	for _, cm := range p.Metrics {
		n.mu.Lock()
		def := mdl.resolve(cm)
		n.mu.Unlock()
		if def == nil {
			n.log.Warningf("edge command device=%s unknown metric=%s", devID, cm.Key())
			n.stat.Commands.WithLabelValues("unknown").Inc()
			continue
		}
		// datatype is optional in commands, model knows it
		if err := cm.ResolveType(def.dt); err != nil {
			n.log.Warningf("edge command metric=%s err=%v", def.name, err)
			n.stat.Commands.WithLabelValues("invalid").Inc()
			continue
		}
		if cm.DataType != def.dt {
			n.log.Warningf("edge command metric=%s datatype=%s expected=%s", def.name, cm.DataType, def.dt)
			n.stat.Commands.WithLabelValues("invalid").Inc()
			continue
		}
		_, v, _, err := sparkplug.DecodeMetric(cm)
		if err != nil {
			n.log.Warningf("edge command metric=%s err=%v", def.name, err)
			n.stat.Commands.WithLabelValues("invalid").Inc()
			continue
		}

		if def.control {
			set, _ := v.(bool)
			switch def.name {
			case ControlRebirth:
				n.stat.Commands.WithLabelValues("rebirth").Inc()
				rebirth = rebirth || set
			case ControlReboot:
				n.stat.Commands.WithLabelValues("reboot").Inc()
				reboot = reboot || set
			case ControlNextServer:
				n.stat.Commands.WithLabelValues("next_server").Inc()
				n.log.Warningf("edge %s is not supported", ControlNextServer)
			}
			continue
		}
		if !def.writable {
			n.log.Warningf("edge command device=%s metric=%s is read only", devID, def.name)
			n.stat.Commands.WithLabelValues("rejected").Inc()
			continue
		}
		if n.opt.WriteFunc != nil {
			if err := n.opt.WriteFunc(ctx, devID, def.name, v); err != nil {
				n.log.Errorf("edge command device=%s metric=%s write err=%v", devID, def.name, err)
				n.stat.Commands.WithLabelValues("rejected").Inc()
				continue
			}
		}
		n.stat.Commands.WithLabelValues("write").Inc()
		updates = append(updates, Update{Name: def.name, Value: v})
	}

	if len(updates) != 0 {
		// echo accepted values, consumers see output state change
		if err := n.publishData(ctx, d, updates); err != nil {
			n.log.Errorf("edge command echo device=%s err=%v", devID, err)
		}
	}
	switch {
	case reboot:
		if err := n.Reboot(ctx); err != nil {
			n.log.Errorf("edge reboot err=%v", err)
		}
	case rebirth:
		if err := n.Rebirth(ctx); err != nil {
			n.log.Errorf("edge rebirth err=%v", err)
		}
	}
}
