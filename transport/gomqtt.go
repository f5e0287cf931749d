package transport

import (
	"context"
	"sync"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/transport/mqtt"
)

type gomqttTransport struct {
	sync.Mutex
	client   *mqtt.Client
	dispatch dispatch
	h        Handler
	log      *log2.Log
	opt      Options
	will     *Message
}

var _ Transporter = &gomqttTransport{}

func newGomqtt(opt Options, h Handler) *gomqttTransport {
	if !opt.CleanSession {
		opt.Log.Warningf("gomqtt transport supports only clean session")
	}
	return &gomqttTransport{
		dispatch: newDispatch(),
		h:        h,
		log:      opt.Log,
		opt:      opt,
	}
}

func (t *gomqttTransport) SetWill(m *Message) error {
	return helpers.Locked(t, func() error {
		if t.client != nil {
			return errors.Errorf("SetWill after Connect")
		}
		t.will = m
		return nil
	})
}

func (t *gomqttTransport) Connect(ctx context.Context) error {
	t.Lock()
	if t.client != nil {
		t.Unlock()
		return errors.Errorf("Connect called twice")
	}
	mo := mqtt.ClientOptions{
		BrokerURL:      t.opt.BrokerURL,
		TLS:            t.opt.TLS,
		ReconnectDelay: t.opt.ReconnectDelay,
		NetworkTimeout: t.opt.NetworkTimeout,
		KeepaliveSec:   t.opt.KeepaliveSec,
		ClientID:       t.opt.ClientID,
		Username:       t.opt.Username,
		Password:       t.opt.Password,
		Subscriptions:  gomqttSubs(t.opt.Subscriptions),
		Log:            t.log,
		OnMessage:      t.onMessage,
		OnConnect: func() {
			t.dispatch.do(func() { t.h.OnConnect(t) })
		},
		OnSubscribe: func(filters []string) {
			t.dispatch.do(func() { t.h.OnSubscribe(t, filters) })
		},
		OnConnectionLost: func(err error) {
			t.dispatch.do(func() { t.h.OnConnectionLost(t, err) })
		},
	}
	if !t.opt.LogDebug {
		mo.Log = t.log.Clone(log2.LInfo)
	}
	if t.will != nil {
		mo.Will = &packet.Message{
			Topic:   t.will.Topic,
			Payload: t.will.Payload,
			QOS:     packet.QOS(t.will.QOS),
			Retain:  t.will.Retain,
		}
	}
	client, err := mqtt.NewClient(mo)
	if err != nil {
		t.Unlock()
		return errors.Annotate(err, "gomqtt connect")
	}
	t.client = client
	t.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opt.NetworkTimeout)
	defer cancel()
	return errors.Annotate(client.WaitReady(ctx), "gomqtt connect")
}

func (t *gomqttTransport) Subscribe(ctx context.Context, subs ...Subscription) error {
	client := t.getClient()
	if client == nil {
		return ErrNotConnected
	}
	return errors.Annotate(client.Subscribe(ctx, gomqttSubs(subs)...), "gomqtt subscribe")
}

func (t *gomqttTransport) Publish(ctx context.Context, m *Message) error {
	client := t.getClient()
	if client == nil {
		return ErrNotConnected
	}
	err := client.Publish(ctx, &packet.Message{
		Topic:   m.Topic,
		Payload: m.Payload,
		QOS:     packet.QOS(m.QOS),
		Retain:  m.Retain,
	})
	return errors.Annotatef(err, "gomqtt publish topic=%s", m.Topic)
}

func (t *gomqttTransport) Close() error {
	client := t.getClient()
	t.dispatch.stop()
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		// not connected at the moment is fine
		t.log.Debugf("gomqtt close err=%v", err)
	}
	return nil
}

func (t *gomqttTransport) getClient() *mqtt.Client {
	t.Lock()
	defer t.Unlock()
	return t.client
}

func (t *gomqttTransport) onMessage(pm *packet.Message) error {
	m := &Message{
		Topic:   pm.Topic,
		Payload: pm.Payload,
		QOS:     byte(pm.QOS),
		Retain:  pm.Retain,
	}
	t.dispatch.do(func() { t.h.OnMessage(t, m) })
	return nil
}

func gomqttSubs(subs []Subscription) []packet.Subscription {
	if len(subs) == 0 {
		return nil
	}
	ps := make([]packet.Subscription, len(subs))
	for i, s := range subs {
		ps[i] = packet.Subscription{Topic: s.Filter, QOS: packet.QOS(s.QOS)}
	}
	return ps
}
