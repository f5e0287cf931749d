package mqtt

// Embedded MQTT 3.1.1 broker: qos 0 and 1, retained messages, wills, forced subscriptions.
// Enough for Sparkplug edge nodes and host applications in development and tests.

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
)

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type ServerOptions struct {
	Log       *log2.Log
	ForceSubs []packet.Subscription // %c is replaced with client id, %u with username
	OnClose   CloseFunc             // valid client connection lost
	OnConnect ConnectFunc           // default denies all, see AllowAll
	OnPublish MessageFunc           // default is Route
}

type CloseFunc = func(clientID string, clean bool, e error)
type ConnectFunc = func(context.Context, *ListenOptions, *packet.Connect) (bool, error)

// MessageFunc must complete ack future to send PUBACK or cancel it to drop connection.
type MessageFunc = func(context.Context, *packet.Message, *future.Future) error

// AllowAll is ConnectFunc accepting any credentials.
func AllowAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) { return true, nil }

// AuthFromMap is ConnectFunc checking username -> password.
func AuthFromMap(m map[string]string) ConnectFunc {
	return func(_ context.Context, _ *ListenOptions, pkt *packet.Connect) (bool, error) {
		secret, ok := m[pkt.Username]
		return ok && pkt.Password == secret, nil
	}
}

func denyAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) {
	return false, fmt.Errorf("default connect callback is deny-all, please supply ServerOptions.OnConnect")
}

// subscription is value in Server.subs tree keyed by pattern.
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct {
	alive     *alive.Alive
	forceSubs []packet.Subscription
	log       *log2.Log
	nextid    atomic.Uint32
	onClose   CloseFunc
	onConnect ConnectFunc
	onPublish MessageFunc
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription

	mu      sync.RWMutex
	ctx     context.Context
	listens map[string]*transport.NetServer

	peermu sync.RWMutex
	peers  map[string]*peer
}

func NewServer(opt ServerOptions) *Server {
	s := &Server{
		alive:     alive.NewAlive(),
		ctx:       context.Background(),
		forceSubs: opt.ForceSubs,
		log:       opt.Log,
		onClose:   opt.OnClose,
		onConnect: opt.OnConnect,
		onPublish: opt.OnPublish,
		peers:     make(map[string]*peer),
		retain:    topic.NewStandardTree(),
		subs:      topic.NewStandardTree(),
	}
	if s.onConnect == nil {
		s.onConnect = denyAll
	}
	if s.onPublish == nil {
		s.onPublish = s.Route
	}
	return s
}

// Addrs returns host:port of each listener, useful after listening on port 0.
func (s *Server) Addrs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(lopts))

	errs := make([]error, 0)
	for _, opt := range lopts {
		opt.setDefaults()
		s.log.Debugf("mqtt listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)
		if !s.alive.Add(1) {
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		ns, err := listen(opt)
		if err != nil {
			s.alive.Done()
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "mqtt", "unix":
		network := u.Scheme
		if network == "mqtt" {
			network = "tcp"
		}
		l, err := net.Listen(network, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", network, u.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	s.mu.Lock()
	for key, ns := range s.listens {
		if err := ns.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.listens, key)
	}
	s.mu.Unlock()
	s.eachPeer(func(p *peer) { _ = p.die(ErrClosing) })
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Drop closes client connection without DISCONNECT, will is published.
func (s *Server) Drop(clientID string) bool {
	p := s.peer(clientID)
	if p == nil {
		return false
	}
	_ = p.die(errors.New("dropped by server"))
	return true
}

// WaitClient returns when client with id is connected, for tests and startup ordering.
func (s *Server) WaitClient(ctx context.Context, clientID string) error {
	for s.peer(clientID) == nil {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) NextID() packet.ID {
	for {
		if id := packet.ID(s.nextid.Add(1)); id != 0 {
			return id
		}
	}
}

// Route is default MessageFunc: publish to subscribers and acknowledge.
func (s *Server) Route(ctx context.Context, msg *packet.Message, ack *future.Future) error {
	err := s.Publish(ctx, msg)
	if err != nil && err != ErrNoSubscribers {
		ack.Cancel(err)
		return err
	}
	ack.Complete(nil)
	return nil
}

// Publish updates retained store and queues message to each matching client.
// Per client delivery order is preserved.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	s.log.Debugf("mqtt server publish %s", MessageString(msg))
	if msg.Retain {
		if len(msg.Payload) == 0 {
			s.retain.Empty(msg.Topic)
		} else {
			s.retain.Set(msg.Topic, msg.Copy())
		}
	}

	// overlapping subscriptions of one client get one copy with maximum qos
	qos := make(map[string]packet.QOS)
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if ex, ok := qos[sub.client]; !ok || sub.qos > ex {
			qos[sub.client] = sub.qos
		}
	}
	if len(qos) == 0 {
		return ErrNoSubscribers
	}

	errs := make([]error, 0)
	s.peermu.RLock()
	for client, q := range qos {
		if p, ok := s.peers[client]; ok {
			if err := p.deliver(s.NextID, msg, q, false); err != nil {
				errs = append(errs, errors.Annotatef(err, "client=%s", client))
			}
		}
	}
	s.peermu.RUnlock()
	return helpers.FoldErrors(errs)
}

// Retain returns snapshot of retained store.
func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func (s *Server) peer(clientID string) *peer {
	s.peermu.RLock()
	defer s.peermu.RUnlock()
	return s.peers[clientID]
}

func (s *Server) eachPeer(fun func(*peer)) {
	s.peermu.RLock()
	defer s.peermu.RUnlock()
	for _, p := range s.peers {
		fun(p)
	}
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done() // one subtask per listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", opt.URL))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) { // and one per connection
			_ = conn.Close()
			return
		}
		go s.serve(conn, opt)
	}
}

// handshake reads CONNECT, authenticates and replies CONNACK.
func (s *Server) handshake(ctx context.Context, conn transport.Conn, opt *ListenOptions) (p *peer, err error) {
	defer errors.DeferredAnnotatef(&err, "addr=%s", addrString(conn.RemoteAddr()))
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Trace(broker.ErrUnexpectedPacket)
	}

	connack := packet.NewConnack()
	reject := func(e error) (*peer, error) {
		_ = conn.Send(connack, false)
		return nil, errors.Trace(e)
	}
	if connect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		return reject(errors.Annotate(broker.ErrNotAuthorized, "empty clientid"))
	}
	if ok, err = s.onConnect(ctx, opt, connect); !ok || err != nil {
		if err == nil {
			err = broker.ErrNotAuthorized
		}
		connack.ReturnCode = packet.NotAuthorized
		return reject(err)
	}
	will := "-"
	if connect.Will != nil {
		will = MessageString(connect.Will)
	}
	s.log.Debugf("mqtt CONNECT client=%s username=%s keepalive=%d will=%s",
		connect.ClientID, connect.Username, connect.KeepAlive, will)

	connack.ReturnCode = packet.ConnectionAccepted
	// [MQTT-3.1.2-24] keepalive=0 means no timeout
	conn.SetReadTimeout(keepaliveAndHalf(connect.KeepAlive))
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newPeer(ctx, conn, opt, s.log, connect), nil
}

func (s *Server) serve(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	p, err := s.handshake(s.ctx, conn, opt)
	if err != nil {
		s.log.Infof("mqtt handshake addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}

	s.peermu.Lock()
	if ex, ok := s.peers[p.id]; ok {
		s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", p.id, addrString(ex.remoteAddr()), addr)
		_ = ex.die(ErrSameClient)
	}
	s.peers[p.id] = p
	s.peermu.Unlock()

	s.replay(p, s.subscribe(p, s.forceSubs, nil))

	// packets of one client are processed in order
	for {
		pkt, err := p.receive()
		if !p.alive.IsRunning() || !s.alive.IsRunning() {
			_ = p.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if err = s.handle(p, pkt); err != nil {
			s.log.Errorf("mqtt client=%s pkt=%s err=%v", p.id, PacketString(pkt), err)
			_ = p.die(err)
		}
	}

	closeErr := p.wait()
	will := p.takeWill()
	s.peermu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.unsubscribe(p.id, "")
	s.peermu.Unlock()
	s.log.Debugf("mqtt closed id=%s clean=%t will=%v", p.id, p.clean.Load(), will != nil)
	if will != nil {
		_ = s.Publish(s.ctx, will)
	}
	if s.onClose != nil {
		s.onClose(p.id, p.clean.Load(), closeErr)
	}
}

func (s *Server) handle(p *peer, pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		return p.send(packet.NewPingresp())

	case *packet.Publish:
		return s.handlePublish(p, pt)

	case *packet.Puback:
		return p.acked(pt.ID)

	case *packet.Subscribe:
		// [MQTT-3.8.3-3]
		if len(pt.Subscriptions) == 0 {
			return errors.New("subscribe request with empty sub list")
		}
		suback := packet.NewSuback()
		suback.ID = pt.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
		retained := s.subscribe(p, pt.Subscriptions, suback)
		if err := p.send(suback); err != nil {
			return errors.Annotate(err, "suback")
		}
		s.replay(p, retained)
		return nil

	case *packet.Unsubscribe:
		for _, pattern := range pt.Topics {
			s.unsubscribe(p.id, pattern)
		}
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		return p.send(unsuback)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		return errors.NotSupportedf("qos2")

	case *packet.Disconnect:
		p.disconnect()
		_ = p.die(nil)
		return nil
	}
	return fmt.Errorf("code error packet is not handled pkt=%s", pkt.String())
}

func (s *Server) handlePublish(p *peer, pt *packet.Publish) error {
	ack := future.New()
	if err := s.onPublish(p.ctx, &pt.Message, ack); err != nil {
		return errors.Annotatef(err, "onPublish msg=%s", MessageString(&pt.Message))
	}
	switch pt.Message.QOS {
	case packet.QOSAtMostOnce:
		return nil

	case packet.QOSAtLeastOnce:
		switch ack.Wait(p.opt.AckTimeout) {
		case nil:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			return p.send(puback)
		case future.ErrCanceled:
			return errors.Errorf("publish rejected client=%s id=%d topic=%s", p.id, pt.ID, pt.Message.Topic)
		default:
			return errors.Timeoutf("onPublish ack")
		}
	}
	return errors.NotSupportedf("qos %d", pt.Message.QOS)
}

// subscribe stores subscriptions of p, repeated pattern replaces previous.
// Returns retained messages matching new patterns, to replay after SUBACK.
func (s *Server) subscribe(p *peer, subs []packet.Subscription, suback *packet.Suback) []retainedMessage {
	var retained []retainedMessage
	for _, sub := range subs {
		x := &subscription{pattern: p.expand(sub.Topic), client: p.id, qos: sub.QOS}
		if x.qos > packet.QOSAtLeastOnce {
			x.qos = packet.QOSAtLeastOnce
		}
		s.unsubscribe(p.id, x.pattern)
		s.subs.Add(x.pattern, x)
		if suback != nil {
			suback.ReturnCodes = append(suback.ReturnCodes, x.qos)
		}
		for _, v := range s.retain.Search(x.pattern) {
			retained = append(retained, retainedMessage{v.(*packet.Message), x.qos})
		}
	}
	return retained
}

// unsubscribe removes client subscriptions on pattern, or all of them when pattern is empty.
func (s *Server) unsubscribe(clientID, pattern string) {
	var values []interface{}
	if pattern == "" {
		values = s.subs.All()
	} else {
		values = s.subs.Get(pattern)
	}
	for _, v := range values {
		if sub := v.(*subscription); sub.client == clientID {
			s.subs.Remove(sub.pattern, v)
		}
	}
}

type retainedMessage struct {
	msg *packet.Message
	qos packet.QOS
}

func (s *Server) replay(p *peer, rs []retainedMessage) {
	for _, r := range rs {
		if err := p.deliver(s.NextID, r.msg, r.qos, true); err != nil {
			return
		}
	}
}
