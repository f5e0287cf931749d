package edge

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/temoto/spq"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/sparkplug"
)

// queued is data stored while node is not alive: device id and payload without seq.
type queued struct {
	device  string
	payload []byte
}

func (q *queued) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, len(q.device)+len(q.payload)+8))
	if err := buf.EncodeStringBytes(q.device); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(q.payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (q *queued) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	var err error
	if q.device, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "queued device")
	}
	if q.payload, err = buf.DecodeRawBytes(true); err != nil {
		return errors.Annotate(err, "queued payload")
	}
	return nil
}

// spq item keys: 4 byte prefix and big endian id.
var queueKeyRange = util.Range{Start: []byte("pqi1"), Limit: []byte("pqi2")}

// queueLen counts items left by previous run. Must be called before spq.Open, leveldb allows one opener.
func queueLen(path string) (int, error) {
	if path == spq.OnlyForTesting {
		return 0, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true})
	if err != nil {
		return 0, errors.Annotate(err, "queue count")
	}
	defer db.Close()
	iter := db.NewIterator(&queueKeyRange, nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		if len(iter.Key()) == 12 && bytes.HasPrefix(iter.Key(), queueKeyRange.Start) {
			count++
		}
	}
	return count, errors.Annotate(iter.Error(), "queue count")
}

// enqueueLocked stores updates with current time, model keeps latest values for next birth.
func (n *Node) enqueueLocked(m *model, device string, updates []Update) error {
	p := &sparkplug.Payload{Timestamp: sparkplug.Millis(n.opt.Now())}
	defs, err := m.dataMetrics(p, false, p.Timestamp, updates)
	if err != nil {
		return err
	}
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := n.queue.MarshalPush(&queued{device: device, payload: b}); err != nil {
		return errors.Annotate(err, "edge queue push")
	}
	n.stat.QueueDepth.Inc()
	for i, def := range defs {
		def.value = updates[i].Value
	}
	return nil
}

// forward republishes queued data as historical after node is born again.
func (n *Node) forward() {
	defer n.alive.Done()
	backoff := helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2}
	for {
		box, err := n.queue.Peek()
		switch err {
		case nil: // success path
		case spq.ErrClosed:
			if n.alive.IsRunning() {
				n.log.Errorf("CRITICAL edge queue closed unexpectedly")
			}
			return
		default:
			n.log.Errorf("CRITICAL edge queue err=%v", err)
			if !n.sleep(backoff.DelayAfter(false)) {
				return
			}
			continue
		}

		if !n.waitAlive() {
			return
		}
		var item queued
		del := true
		if err = box.Unmarshal(&item); err == nil {
			del, err = n.forwardItem(&item)
		}
		if err == ErrNotAlive {
			continue
		}
		if err != nil {
			n.log.Errorf("edge forward err=%v", err)
		}
		if del {
			if err = n.queue.Delete(box); err == nil {
				n.stat.QueueDepth.Dec()
			}
			backoff.Reset()
		} else {
			err = n.queue.DeletePush(box)
		}
		if err != nil && err != spq.ErrClosed {
			n.log.Errorf("edge queue update err=%v", err)
		}
		if !del && !n.sleep(backoff.DelayAfter(false)) {
			return
		}
	}
}

// forwardItem returns false when publish should be retried.
func (n *Node) forwardItem(item *queued) (bool, error) {
	stored, err := sparkplug.ParsePayload(item.payload)
	if err != nil {
		return true, err // retry will not help
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.topt.NetworkTimeout)
	defer cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateAlive {
		return false, ErrNotAlive
	}
	mt := sparkplug.NDATA
	if item.device != "" {
		d := n.deviceByID[item.device]
		if d == nil || !d.born {
			n.log.Warningf("edge forward drop data of unknown device=%s", item.device)
			return true, nil
		}
		mt = sparkplug.DDATA
	}
	err = n.sendLocked(ctx, mt, item.device, func() (*sparkplug.Payload, error) {
		p := sparkplug.BuildDataPayload(&n.seq, n.opt.Now())
		for _, m := range stored.Metrics {
			m.IsHistorical = true
			p.AddMetric(m)
		}
		return p, nil
	})
	return err == nil, err
}

func (n *Node) waitAlive() bool {
	for {
		n.mu.Lock()
		state, ch := n.state, n.bornCh
		n.mu.Unlock()
		if state == StateAlive {
			return true
		}
		select {
		case <-ch:
		case <-n.alive.StopChan():
			return false
		}
	}
}

func (n *Node) sleep(d time.Duration) bool {
	if d <= 0 {
		return n.alive.IsRunning()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.alive.StopChan():
		return false
	}
}
