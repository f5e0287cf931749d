package transport

import (
	"context"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/log2"
)

var pahoLogOnce sync.Once

// paho logs into package globals, so first adapter wins.
func pahoLog(log *log2.Log, debug bool) {
	if log == nil {
		return
	}
	pahoLogOnce.Do(func() {
		l := log.Prefixed("paho: ")
		paho.ERROR = l
		paho.CRITICAL = l
		paho.WARN = l
		if debug {
			paho.DEBUG = l
		}
	})
}

type pahoTransport struct {
	sync.Mutex
	client   paho.Client
	dispatch dispatch
	h        Handler
	log      *log2.Log
	opt      Options
	will     *Message
}

var _ Transporter = &pahoTransport{}

func newPaho(opt Options, h Handler) *pahoTransport {
	pahoLog(opt.Log, opt.LogDebug)
	return &pahoTransport{
		dispatch: newDispatch(),
		h:        h,
		log:      opt.Log,
		opt:      opt,
	}
}

func (t *pahoTransport) SetWill(m *Message) error {
	t.Lock()
	defer t.Unlock()
	if t.client != nil {
		return errors.Errorf("SetWill after Connect")
	}
	t.will = m
	return nil
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	t.Lock()
	if t.client != nil {
		t.Unlock()
		return errors.Errorf("Connect called twice")
	}
	po := paho.NewClientOptions().
		AddBroker(t.opt.BrokerURL).
		SetClientID(t.opt.ClientID).
		SetUsername(t.opt.Username).
		SetPassword(t.opt.Password).
		SetKeepAlive(secondsDuration(t.opt.KeepaliveSec)).
		SetConnectTimeout(t.opt.NetworkTimeout).
		SetWriteTimeout(t.opt.NetworkTimeout).
		SetPingTimeout(t.opt.NetworkTimeout).
		SetCleanSession(t.opt.CleanSession).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(t.opt.ReconnectDelay).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetDefaultPublishHandler(t.onMessage)
	if t.opt.TLS != nil {
		po.SetTLSConfig(t.opt.TLS)
	}
	if t.will != nil {
		po.SetBinaryWill(t.will.Topic, t.will.Payload, t.will.QOS, t.will.Retain)
	}
	t.client = paho.NewClient(po)
	client := t.client
	t.Unlock()

	token := client.Connect()
	if err := waitContext(ctx, token.Done(), t.opt.NetworkTimeout, "paho connect"); err != nil {
		return err
	}
	return errors.Annotate(token.Error(), "paho connect")
}

func (t *pahoTransport) Subscribe(ctx context.Context, subs ...Subscription) error {
	client := t.getClient()
	if client == nil {
		return ErrNotConnected
	}
	if len(subs) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(subs))
	for _, s := range subs {
		filters[s.Filter] = s.QOS
	}
	token := client.SubscribeMultiple(filters, nil)
	if err := waitContext(ctx, token.Done(), t.opt.NetworkTimeout, "paho subscribe"); err != nil {
		return err
	}
	return errors.Annotate(token.Error(), "paho subscribe")
}

func (t *pahoTransport) Publish(ctx context.Context, m *Message) error {
	client := t.getClient()
	if client == nil {
		return ErrNotConnected
	}
	if !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(m.Topic, m.QOS, m.Retain, m.Payload)
	if err := waitContext(ctx, token.Done(), t.opt.NetworkTimeout, "paho publish"); err != nil {
		return err
	}
	return errors.Annotatef(token.Error(), "paho publish topic=%s", m.Topic)
}

func (t *pahoTransport) Close() error {
	client := t.getClient()
	t.dispatch.stop()
	if client == nil {
		return nil
	}
	client.Disconnect(uint(t.opt.NetworkTimeout.Milliseconds() / 4))
	return nil
}

func (t *pahoTransport) getClient() paho.Client {
	t.Lock()
	defer t.Unlock()
	return t.client
}

// paho calls OnConnect on own goroutine, subscribe waits here.
func (t *pahoTransport) onConnect(paho.Client) {
	t.dispatch.do(func() { t.h.OnConnect(t) })
	if len(t.opt.Subscriptions) == 0 {
		t.dispatch.do(func() { t.h.OnSubscribe(t, nil) })
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.NetworkTimeout)
	defer cancel()
	if err := t.Subscribe(ctx, t.opt.Subscriptions...); err != nil {
		// paho Disconnect is final, so no retry here; handler stays without OnSubscribe
		t.log.Errorf("paho subscribe err=%v", err)
		return
	}
	filters := t.opt.filters()
	t.dispatch.do(func() { t.h.OnSubscribe(t, filters) })
}

func (t *pahoTransport) onConnectionLost(_ paho.Client, err error) {
	t.dispatch.do(func() { t.h.OnConnectionLost(t, err) })
}

func (t *pahoTransport) onMessage(_ paho.Client, pm paho.Message) {
	m := &Message{
		Topic:   pm.Topic(),
		Payload: pm.Payload(),
		QOS:     pm.Qos(),
		Retain:  pm.Retained(),
	}
	t.dispatch.do(func() { t.h.OnMessage(t, m) })
}
