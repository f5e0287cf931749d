package mqtt

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
)

const defaultReadLimit = 1 << 20

// ListenOptions apply to one listener and every connection accepted on it.
type ListenOptions struct {
	CtxData interface{} // opaque, for ConnectFunc
	URL     string
	TLS     *tls.Config

	AckTimeout     time.Duration // PUBACK wait, default 2*NetworkTimeout
	NetworkTimeout time.Duration // CONNECT receive timeout
	ReadLimit      int64
}

func (o *ListenOptions) setDefaults() {
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 2 * o.NetworkTimeout
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = defaultReadLimit
	}
}

// peer is broker side of one accepted client.
// Outgoing messages pass through ordered outbox, qos1 waits PUBACK before the next one.
type peer struct {
	alive    *alive.Alive
	ctx      context.Context
	err      helpers.FirstError
	id       string
	log      *log2.Log
	opt      *ListenOptions
	outbox   *helpers.Serial
	pending  *future.Store // PUBACK by packet id
	username string

	connmu sync.RWMutex
	conn   transport.Conn

	willmu sync.Mutex
	will   *packet.Message
	clean  atomic.Bool // DISCONNECT received
}

func newPeer(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, connect *packet.Connect) *peer {
	p := &peer{
		alive:    alive.NewAlive(),
		conn:     conn,
		ctx:      ctx,
		id:       connect.ClientID,
		log:      log,
		opt:      opt,
		outbox:   helpers.NewSerial(),
		pending:  future.NewStore(),
		username: connect.Username,
	}
	if connect.Will != nil {
		p.will = connect.Will.Copy()
	}
	return p
}

// expand substitutes %c with client id and %u with username in forced subscription patterns.
func (p *peer) expand(pattern string) string {
	return strings.NewReplacer("%c", p.id, "%u", p.username).Replace(pattern)
}

// deliver queues a copy of msg downgraded to subscription qos.
// Live routing clears retain flag, replay of retained store sets it.
func (p *peer) deliver(nextID func() packet.ID, msg *packet.Message, qos packet.QOS, retained bool) error {
	m := msg.Copy()
	m.Retain = retained
	if qos < m.QOS {
		m.QOS = qos
	}
	ok := p.outbox.Submit(func() {
		if err := p.publish(nextID(), m); err != nil && errors.Cause(err) != ErrClosing {
			p.log.Errorf("mqtt deliver client=%s topic=%s err=%v", p.id, m.Topic, err)
		}
	})
	if !ok {
		return ErrClosing
	}
	return nil
}

func (p *peer) publish(id packet.ID, msg *packet.Message) error {
	if !p.alive.Add(1) {
		return ErrClosing
	}
	defer p.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return p.send(pub)

	case packet.QOSAtLeastOnce:
		pub.ID = id
		f := future.New()
		if ex := p.pending.Get(id); ex != nil {
			// 64k messages in flight to one client
			return p.die(errors.Errorf("puback id=%d already pending", id))
		}
		p.pending.Put(id, f)
		defer p.pending.Delete(id)
		if err := p.send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(p.opt.AckTimeout)
		switch err {
		case nil:
			return nil
		case future.ErrCanceled:
			if err, _ = f.Result().(error); err == nil {
				err = ErrClosing
			}
		}
		return p.die(errors.Annotatef(err, "expect puback id=%d", id))

	default:
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
}

// acked completes publish waiting for PUBACK id.
func (p *peer) acked(id packet.ID) error {
	f := p.pending.Get(id)
	if f == nil {
		return errors.Errorf("unexpected puback id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (p *peer) receive() (packet.Generic, error) {
	conn := p.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	p.log.Debugf("mqtt recv addr=%s id=%s pkt=%s err=%v", addrString(conn.RemoteAddr()), p.id, PacketString(pkt), err)
	if err == nil {
		return pkt, nil
	}
	if err != io.EOF && !p.alive.IsRunning() && isClosedConn(err) {
		// die closed conn to interrupt Receive
		return nil, ErrClosing
	}
	_ = p.die(err)
	return nil, err
}

func (p *peer) send(pkt packet.Generic) error {
	conn := p.getConn()
	if conn == nil {
		return ErrClosing
	}
	p.log.Debugf("mqtt send id=%s pkt=%s", p.id, PacketString(pkt))
	err := conn.Send(pkt, false)
	switch {
	case err == nil:
		return nil
	case !p.alive.IsRunning() && isClosedConn(err):
		return ErrClosing
	default:
		return p.die(errors.Annotatef(err, "clientid=%s", p.id))
	}
}

func (p *peer) remoteAddr() net.Addr {
	if conn := p.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die is idempotent, returns first stored reason.
func (p *peer) die(e error) error {
	if err, found := p.err.Set(e); found {
		return err
	}
	p.log.Debugf("mqtt die id=%s e=%v", p.id, e)
	p.alive.Stop()
	p.outbox.Stop()
	for _, f := range p.pending.All() {
		f.Cancel(ErrClosing)
	}
	p.connmu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.connmu.Unlock()
	return e
}

// wait blocks until outbox and in-flight publishes finish, returns reason of death.
func (p *peer) wait() error {
	p.outbox.Wait()
	p.alive.Wait()
	err, _ := p.err.Get()
	return err
}

func (p *peer) getConn() transport.Conn {
	p.connmu.RLock()
	defer p.connmu.RUnlock()
	return p.conn
}

// disconnect marks clean close, will is discarded [MQTT-3.14.4-3].
func (p *peer) disconnect() {
	p.clean.Store(true)
	p.willmu.Lock()
	p.will = nil
	p.willmu.Unlock()
}

// takeWill returns will to publish after unclean close, nil otherwise.
func (p *peer) takeWill() *packet.Message {
	if p.clean.Load() {
		return nil
	}
	p.willmu.Lock()
	defer p.willmu.Unlock()
	w := p.will
	p.will = nil
	return w
}
