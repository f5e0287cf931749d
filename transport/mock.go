package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
)

type JournalKind string

const (
	JournalWill    JournalKind = "will" // registered at connect
	JournalConnect JournalKind = "connect"
	JournalSuback  JournalKind = "suback"
	JournalPublish JournalKind = "publish"
	JournalClose   JournalKind = "close" // clean disconnect
	JournalDrop    JournalKind = "drop"  // connection lost
)

type JournalEntry struct {
	Client  string
	Kind    JournalKind
	Topic   string
	Filters []string
	Payload []byte
	QOS     byte
	Retain  bool
}

func (e JournalEntry) String() string {
	switch e.Kind {
	case JournalSuback:
		return fmt.Sprintf("%s %s %s", e.Client, e.Kind, strings.Join(e.Filters, ","))
	case JournalWill, JournalPublish:
		return fmt.Sprintf("%s %s %s qos=%d retain=%t len=%d", e.Client, e.Kind, e.Topic, e.QOS, e.Retain, len(e.Payload))
	}
	return fmt.Sprintf("%s %s", e.Client, e.Kind)
}

// MockBroker is in-memory MQTT broker for tests.
// Delivery to each client is asynchronous and ordered, like network.
// Dropped clients reconnect after ReconnectDelay until Close, with the same will.
type MockBroker struct {
	ReconnectDelay time.Duration
	// PublishHook may fail client publish, called with broker lock held.
	PublishHook func(client string, m *Message) error

	mu      sync.Mutex
	clients map[string]*MockClient
	journal []JournalEntry
	retain  *topic.Tree // *Message
	subs    *topic.Tree // *mockSub
}

type mockSub struct {
	client *MockClient
	filter string
	qos    byte
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		ReconnectDelay: 10 * time.Millisecond,
		clients:        make(map[string]*MockClient),
		retain:         topic.NewStandardTree(),
		subs:           topic.NewStandardTree(),
	}
}

// New is Factory.
func (b *MockBroker) New(opt Options, h Handler) (Transporter, error) {
	if h == nil {
		return nil, errors.NotValidf("transport handler=nil")
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("transport client id empty")
	}
	return &MockClient{b: b, opt: opt, h: h, dispatch: newDispatch()}, nil
}

func (b *MockBroker) Journal() []JournalEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]JournalEntry(nil), b.journal...)
}

func (b *MockBroker) ResetJournal() {
	b.mu.Lock()
	b.journal = nil
	b.mu.Unlock()
}

// Published returns publish journal entries matching topic filter.
func (b *MockBroker) Published(filter string) []JournalEntry {
	t := topic.NewStandardTree()
	t.Add(filter, true)
	var result []JournalEntry
	for _, e := range b.Journal() {
		if e.Kind == JournalPublish && len(t.Match(e.Topic)) != 0 {
			result = append(result, e)
		}
	}
	return result
}

func (b *MockBroker) Retained(topicName string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v := b.retain.Get(topicName); len(v) != 0 {
		m := *v[0].(*Message)
		return &m
	}
	return nil
}

func (b *MockBroker) Connected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	return ok && c.connected
}

// Publish injects message from outside of any client.
func (b *MockBroker) Publish(m *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked("", m)
}

// Drop simulates connection loss, will is published.
func (b *MockBroker) Drop(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok {
		return false
	}
	b.dropLocked(c, errors.New("connection dropped"))
	return true
}

func (b *MockBroker) record(e JournalEntry) { b.journal = append(b.journal, e) }

func (b *MockBroker) connectLocked(c *MockClient) {
	id := c.opt.ClientID
	if ex, ok := b.clients[id]; ok && ex != c {
		ex.closed = true
		b.dropLocked(ex, errors.New("client id overtake"))
	}
	if c.will != nil {
		b.record(JournalEntry{Client: id, Kind: JournalWill, Topic: c.will.Topic, Payload: c.will.Payload, QOS: c.will.QOS, Retain: c.will.Retain})
	}
	b.record(JournalEntry{Client: id, Kind: JournalConnect})
	b.clients[id] = c
	c.connected = true
	c.dispatch.do(func() { c.h.OnConnect(c) })

	subs := append(append([]Subscription(nil), c.opt.Subscriptions...), c.subs...)
	filters := make([]string, len(subs))
	for i, s := range subs {
		filters[i] = s.Filter
	}
	retained := b.subscribeLocked(c, subs)
	c.dispatch.do(func() { c.h.OnSubscribe(c, filters) })
	b.deliverLocked(c, retained)
}

func (b *MockBroker) subscribeLocked(c *MockClient, subs []Subscription) []*Message {
	if len(subs) == 0 {
		return nil
	}
	var retained []*Message
	filters := make([]string, len(subs))
	for i, s := range subs {
		filters[i] = s.Filter
		for _, v := range b.subs.Get(s.Filter) {
			if v.(*mockSub).client == c {
				b.subs.Remove(s.Filter, v)
			}
		}
		b.subs.Add(s.Filter, &mockSub{client: c, filter: s.Filter, qos: s.QOS})
		for _, v := range b.retain.Search(s.Filter) {
			m := *v.(*Message)
			m.Retain = true
			if s.QOS < m.QOS {
				m.QOS = s.QOS
			}
			retained = append(retained, &m)
		}
	}
	b.record(JournalEntry{Client: c.opt.ClientID, Kind: JournalSuback, Filters: filters})
	return retained
}

func (b *MockBroker) deliverLocked(c *MockClient, ms []*Message) {
	for _, m := range ms {
		m := m
		c.dispatch.do(func() { c.h.OnMessage(c, m) })
	}
}

func (b *MockBroker) publishLocked(client string, m *Message) {
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	b.record(JournalEntry{Client: client, Kind: JournalPublish, Topic: cp.Topic, Payload: cp.Payload, QOS: cp.QOS, Retain: cp.Retain})
	if cp.Retain {
		if len(cp.Payload) != 0 {
			stored := cp
			b.retain.Set(cp.Topic, &stored)
		} else {
			b.retain.Empty(cp.Topic)
		}
	}

	uniq := make(map[*MockClient]byte)
	order := make([]*MockClient, 0, 4)
	for _, v := range b.subs.Match(cp.Topic) {
		s := v.(*mockSub)
		if q, ok := uniq[s.client]; !ok {
			uniq[s.client] = s.qos
			order = append(order, s.client)
		} else if s.qos > q {
			uniq[s.client] = s.qos
		}
	}
	for _, sc := range order {
		if !sc.connected {
			continue
		}
		dm := cp
		dm.Retain = false
		if q := uniq[sc]; q < dm.QOS {
			dm.QOS = q
		}
		b.deliverLocked(sc, []*Message{&dm})
	}
}

func (b *MockBroker) unregisterLocked(c *MockClient) {
	for _, v := range b.subs.All() {
		if s := v.(*mockSub); s.client == c {
			b.subs.Remove(s.filter, v)
		}
	}
	if b.clients[c.opt.ClientID] == c {
		delete(b.clients, c.opt.ClientID)
	}
	c.connected = false
}

func (b *MockBroker) dropLocked(c *MockClient, err error) {
	b.record(JournalEntry{Client: c.opt.ClientID, Kind: JournalDrop})
	b.unregisterLocked(c)
	if c.will != nil {
		b.publishLocked(c.opt.ClientID, c.will)
	}
	c.dispatch.do(func() { c.h.OnConnectionLost(c, err) })
	if !c.closed {
		time.AfterFunc(b.ReconnectDelay, c.reconnect)
	}
}

// MockClient is Transporter connected to MockBroker.
type MockClient struct {
	b        *MockBroker
	opt      Options
	h        Handler
	dispatch dispatch

	// guarded by b.mu
	will      *Message
	subs      []Subscription
	connected bool
	started   bool
	closed    bool
}

var _ Transporter = &MockClient{}

func (c *MockClient) SetWill(m *Message) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.started {
		return errors.Errorf("SetWill after Connect")
	}
	cp := *m
	c.will = &cp
	return nil
}

func (c *MockClient) Connect(ctx context.Context) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return errors.Errorf("Connect after Close")
	}
	if c.started {
		return errors.Errorf("Connect called twice")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.started = true
	c.b.connectLocked(c)
	return nil
}

func (c *MockClient) Subscribe(ctx context.Context, subs ...Subscription) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.subs = append(c.subs, subs...)
	c.b.deliverLocked(c, c.b.subscribeLocked(c, subs))
	return nil
}

func (c *MockClient) Publish(ctx context.Context, m *Message) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.b.PublishHook != nil {
		if err := c.b.PublishHook(c.opt.ClientID, m); err != nil {
			return err
		}
	}
	c.b.publishLocked(c.opt.ClientID, m)
	return nil
}

func (c *MockClient) Close() error {
	c.b.mu.Lock()
	if c.connected {
		c.b.record(JournalEntry{Client: c.opt.ClientID, Kind: JournalClose})
		c.b.unregisterLocked(c)
	}
	c.closed = true
	c.b.mu.Unlock()
	c.dispatch.stop()
	return nil
}

func (c *MockClient) reconnect() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || c.connected {
		return
	}
	c.b.connectLocked(c)
}
