package edge

import (
	"context"

	"github.com/temoto/sparkplug/sparkplug"
)

// Device lives only while its node is alive. Node publishes for it.
type Device struct {
	n       *Node
	id      string
	metrics model
	born    bool // guarded by n.mu
	removed bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Node() *Node { return d.n }

func (d *Device) DefineMetric(name string, dt sparkplug.DataType, initial interface{}, opts ...MetricOption) error {
	d.n.mu.Lock()
	defer d.n.mu.Unlock()
	return d.n.defineLocked(&d.metrics, name, dt, initial, opts)
}

// Birth publishes DBIRTH of device added after node birth.
func (d *Device) Birth(ctx context.Context) error {
	d.n.mu.Lock()
	defer d.n.mu.Unlock()
	if d.n.state != StateAlive {
		return ErrNotAlive
	}
	return d.n.birthDeviceLocked(ctx, d)
}

func (d *Device) Born() bool {
	d.n.mu.Lock()
	defer d.n.mu.Unlock()
	return d.born
}

// Publish sends DDATA.
func (d *Device) Publish(ctx context.Context, updates ...Update) error {
	return d.n.publishData(ctx, d, updates)
}
