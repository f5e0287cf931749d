// Package transport adapts MQTT client libraries to a small interface used by edge and host roles.
//
// Handler callbacks of one Transporter are called sequentially in order of events,
// on a goroutine separate from network IO, so handler may call Publish and wait for acknowledgement.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
)

const (
	KindPaho   = "paho"
	KindGomqtt = "gomqtt"

	DefaultKeepaliveSec   = 30
	DefaultNetworkTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

var ErrNotConnected = errors.New("transport not connected")

type Message struct {
	Topic   string
	Payload []byte
	QOS     byte
	Retain  bool
}

type Subscription struct {
	Filter string
	QOS    byte
}

type Handler interface {
	OnConnect(t Transporter)
	// Subscriptions from Options are acknowledged, after each (re)connect.
	OnSubscribe(t Transporter, filters []string)
	OnMessage(t Transporter, m *Message)
	OnConnectionLost(t Transporter, err error)
}

// HandlerFuncs implements Handler, nil funcs are skipped.
type HandlerFuncs struct {
	Connect        func(t Transporter)
	Subscribe      func(t Transporter, filters []string)
	Message        func(t Transporter, m *Message)
	ConnectionLost func(t Transporter, err error)
}

func (h HandlerFuncs) OnConnect(t Transporter) {
	if h.Connect != nil {
		h.Connect(t)
	}
}
func (h HandlerFuncs) OnSubscribe(t Transporter, filters []string) {
	if h.Subscribe != nil {
		h.Subscribe(t, filters)
	}
}
func (h HandlerFuncs) OnMessage(t Transporter, m *Message) {
	if h.Message != nil {
		h.Message(t, m)
	}
}
func (h HandlerFuncs) OnConnectionLost(t Transporter, err error) {
	if h.ConnectionLost != nil {
		h.ConnectionLost(t, err)
	}
}

type Transporter interface {
	// SetWill registers last will, only before Connect.
	SetWill(m *Message) error
	// Connect returns after broker accepted connection. Reconnect is automatic until Close.
	Connect(ctx context.Context) error
	// Subscribe returns after SUBACK.
	Subscribe(ctx context.Context, subs ...Subscription) error
	// Publish returns after PUBACK for QOS 1.
	Publish(ctx context.Context, m *Message) error
	// Close disconnects cleanly, will is not delivered.
	Close() error
}

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	CleanSession   bool
	TLS            *tls.Config
	Subscriptions  []Subscription
	Log            *log2.Log
	LogDebug       bool // verbose client library log
}

func (o *Options) defaults() {
	if o.Log == nil {
		o.Log = log2.NewStderr(log2.LInfo)
	}
	if o.KeepaliveSec == 0 {
		o.KeepaliveSec = DefaultKeepaliveSec
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
}

func (o *Options) filters() []string {
	fs := make([]string, len(o.Subscriptions))
	for i, s := range o.Subscriptions {
		fs[i] = s.Filter
	}
	return fs
}

// Factory creates unconnected Transporter. Edge node uses it again after reboot.
type Factory func(opt Options, h Handler) (Transporter, error)

// NewFactory binds client library kind to New.
func NewFactory(kind string) Factory {
	return func(opt Options, h Handler) (Transporter, error) { return New(kind, opt, h) }
}

// New returns paho based Transporter for kind "" or "paho", gomqtt based for "gomqtt".
func New(kind string, opt Options, h Handler) (Transporter, error) {
	if h == nil {
		return nil, errors.NotValidf("transport handler=nil")
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("transport client id empty")
	}
	opt.defaults()
	switch kind {
	case "", KindPaho:
		return newPaho(opt, h), nil
	case KindGomqtt:
		return newGomqtt(opt, h), nil
	}
	return nil, errors.NotSupportedf("transport kind=%s", kind)
}

// TLSConfigCA trusts server certificates signed by PEM CA file.
func TLSConfigCA(caFile string) (*tls.Config, error) {
	cabytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotate(err, "TLS")
	}
	tlsconf := &tls.Config{RootCAs: x509.NewCertPool()}
	if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("TLS CA file=%s no certificates", caFile)
	}
	return tlsconf, nil
}

func waitContext(ctx context.Context, done <-chan struct{}, timeout time.Duration, what string) error {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), what)
	case <-tmr.C:
		return errors.Timeoutf(what)
	}
}

// dispatch runs handler callbacks in event order.
type dispatch struct {
	serial *helpers.Serial
}

func newDispatch() dispatch { return dispatch{serial: helpers.NewSerial()} }

func (d dispatch) do(f func()) { d.serial.Submit(f) }

func (d dispatch) stop() { d.serial.Stop() }

func secondsDuration(sec uint16) time.Duration { return time.Duration(sec) * time.Second }
