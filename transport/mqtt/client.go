package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	Will           *packet.Message
	Log            *log2.Log

	// Called from network reader, PUBACK is sent after return.
	OnMessage func(*packet.Message) error
	// Called after CONNACK, before SUBSCRIBE. Must not wait for Publish.
	OnConnect func()
	// Called after SUBACK for all subscriptions, or right after connect when there are none.
	OnSubscribe func(filters []string)
	// Established connection is lost. Not called after Close.
	OnConnectionLost func(error)

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
}

// Client is MQTT 3.1.1 client for single publisher.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only
// - Subscribe configured list after each connect, Subscribe() appends to it, no unsubscribe
// - Unlimited reconnect attempts until Close()
// - QOS 0,1
// - No in-flight storage (except Publish call stack)
// - Serialized Publish
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	subs    []packet.Subscription

	pubmu       sync.Mutex
	flowPublish struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
		subs:   append([]packet.Subscription(nil), opt.Subscriptions...),
	}
	c.opt.onpacket = c.onPacket
	_ = c.clientConn(true)

	c.alive.Add(1)
	go c.worker()
	return c, nil
}

// Close sends DISCONNECT, so broker discards will message.
func (c *Client) Close() error {
	cc := c.clientConn(false)
	c.alive.Stop()
	err := client.ErrClientNotConnected
	if cc != nil {
		if connected, _ := cc.confu.Result().(bool); connected {
			err = cc.send(packet.NewDisconnect())
		}
		_ = cc.die(ErrClientClosing)
	}
	c.alive.Wait()
	return err
}

// Disconnect drops current connection without DISCONNECT packet, client will reconnect.
func (c *Client) Disconnect() error {
	return c.disconnect(errors.New("disconnect requested"))
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("publish QOS=%d", msg.QOS)
	}

	c.pubmu.Lock()
	defer c.pubmu.Unlock()
	f, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}

	switch err = f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if err, _ = f.Result().(error); err == nil {
			err = ErrClientClosing
		}
		return err

	case future.ErrTimeout:
		err = errors.Timeoutf("Publish ack")
		f.Cancel(err)
		return c.disconnect(err)

	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

// Subscribe waits for SUBACK. Subscriptions are repeated after reconnect.
func (c *Client) Subscribe(ctx context.Context, subs ...packet.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	helpers.WithLock(c, func() { c.subs = append(c.subs, subs...) })
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	cc := c.clientConn(false)
	if cc == nil {
		return ErrClientClosing
	}
	pkt := packet.NewSubscribe()
	pkt.ID = c.nextID()
	pkt.Subscriptions = subs
	f := future.New()
	cc.subacks.Put(pkt.ID, f)
	defer cc.subacks.Delete(pkt.ID)
	if err := cc.send(pkt); err != nil {
		return errors.Annotate(err, "send SUBSCRIBE")
	}
	switch err := f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil
	case future.ErrCanceled:
		if err, _ = f.Result().(error); err == nil {
			err = client.ErrFailedSubscription
		}
		return err
	default:
		return errors.Timeoutf("subscribe")
	}
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil:
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, just try again
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.subs) != 0 {
			subpkt = packet.NewSubscribe()
			subpkt.ID = c.nextID()
			subpkt.Subscriptions = append([]packet.Subscription(nil), c.subs...)
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

// disconnect does not wait for connection tasks, it is called from reader and hooks.
func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
	}
	return err
}

func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}
	fu := future.New()
	helpers.WithLock(&c.flowPublish, func() {
		c.flowPublish.fu = fu
		c.flowPublish.id = publish.ID
	})

	if err := c.send(publish); err != nil {
		fu.Cancel(err)
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

// abortPublish unblocks Publish waiting for PUBACK from lost connection.
func (c *Client) abortPublish(err error) {
	if err == nil {
		err = ErrClientClosing
	}
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu != nil {
		c.flowPublish.fu.Cancel(err)
	}
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = c.disconnect(errors.NotSupportedf("received QOS=2"))
		return
	}

	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
		_ = c.disconnect(err)
		return
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := c.send(puback); err != nil {
			_ = c.disconnect(err)
		}
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	if expect := c.flowPublish.id; expect != id {
		// given serialized publish flow, PUBACK for unexpected id is severe error
		go func() { _ = c.disconnect(errors.Errorf("PUBACK id=%d expected=%d", id, expect)) }()
		return
	}
	c.flowPublish.fu.Complete(id)
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(true); cc != nil {
		return cc.send(pkt)
	}
	return ErrClientClosing
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():
			err, _ := cc.err.Get()
			c.abortPublish(err)
			connected, _ := cc.confu.Result().(bool)
			if connected && c.alive.IsRunning() && c.opt.OnConnectionLost != nil {
				c.opt.OnConnectionLost(err)
			}

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			cc.alive.Wait()
			c.abortPublish(ErrClientClosing)
			return
		}

		c.opt.Log.Debugf("wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected and subscribed events via futures
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
// - configured subscriptions are sent once right after connect
type clientConn struct {
	alive   *alive.Alive
	closed  uint32
	confu   *future.Future
	conn    atomic.Value // transport.Conn
	err     helpers.FirstError
	opt     ClientOptions
	pingat  atomic.Int64  // unix nano of last outgoing control packet
	pongat  atomic.Int64  // unix nano of last incoming control packet
	subacks *future.Store // by SUBSCRIBE packet id
	subfu   *future.Future
	subpkt  *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:   alive.NewAlive(),
		confu:   future.New(),
		opt:     opt,
		subacks: future.NewStore(),
		subfu:   future.New(),
		subpkt:  subpkt,
	}
	now := time.Now().UnixNano()
	cc.pingat.Store(now)
	cc.pongat.Store(now)
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	_, _ = cc.err.Set(e)
	cc.opt.Log.Debugf("connection die err=%v", e)
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	for _, f := range cc.subacks.All() {
		f.Cancel(e)
	}
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
			_ = cc.die(err)
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.Store(time.Now().UnixNano())
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	f := cc.subacks.Get(suback.ID)
	if f == nil {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			f.Cancel(client.ErrFailedSubscription)
			if f == cc.subfu {
				_ = cc.die(client.ErrFailedSubscription)
			}
			return
		}
	}
	f.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Send PINGREQ as late as possible while respecting possible network issues.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := time.Now().UnixNano()
		window := time.Duration(now - cc.pingat.Load())
		sincePong := time.Duration(now - cc.pongat.Load())

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
		if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		select {
		case <-time.After(interval - window):

		case <-stopch:
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(errors.New("server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.Store(time.Now().UnixNano())

		case *packet.Suback:
			cc.pongat.Store(time.Now().UnixNano())
			cc.onSuback(pt)

		default:
			cc.pongat.Store(time.Now().UnixNano())
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.Store(time.Now().UnixNano())
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.opt.OnConnect != nil {
		cc.opt.OnConnect()
	}

	var fs []string
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
	} else {
		fs = filters(cc.subpkt.Subscriptions)
		cc.subacks.Put(cc.subpkt.ID, cc.subfu)
		if err := cc.send(cc.subpkt); err != nil {
			return
		}
		switch cc.subfu.Wait(cc.opt.NetworkTimeout) {
		case nil:
			cc.subacks.Delete(cc.subpkt.ID)
		case future.ErrTimeout:
			_ = cc.die(errors.Timeoutf("subscribe"))
			return
		default:
			return
		}
	}

	if cc.opt.OnSubscribe != nil && cc.alive.IsRunning() {
		cc.opt.OnSubscribe(fs)
	}
}

// Returns, in this order:
// - ErrClientClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 50 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
