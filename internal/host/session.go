// Package host implements Sparkplug primary host application:
// STATE session handshake and monitor of edge node sessions.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

const (
	controlNewSession = "NEW host SessionEstablishment "
	controlEndTest    = "END TEST"
)

type SessionOptions struct {
	HostID    string
	Control   bool // announce session on TCK control topic
	Factory   transport.Factory
	Transport transport.Options // ClientID defaults to HostID
	Monitor   *Monitor          // receives namespace messages, optional
	Log       *log2.Log
}

// Session is host application presence: OFFLINE will, ONLINE after subscriptions are active.
type Session struct {
	mu       sync.Mutex
	opt      SessionOptions
	topt     transport.Options
	log      *log2.Log
	t        transport.Transporter
	online   bool
	onlineCh chan struct{} // closed after first ONLINE
	started  bool
	closed   bool
}

var _ transport.Handler = &Session{}

func NewSession(opt SessionOptions) (*Session, error) {
	if opt.HostID == "" {
		return nil, errors.NotValidf("host id empty")
	}
	if _, err := sparkplug.ParseStateTopic(sparkplug.StateTopic(opt.HostID)); err != nil {
		return nil, errors.NewNotValid(err, "host id")
	}
	if opt.Factory == nil {
		return nil, errors.NotValidf("host transport factory=nil")
	}
	if opt.Log == nil {
		opt.Log = log2.NewStderr(log2.LInfo)
	}
	s := &Session{opt: opt, log: opt.Log, onlineCh: make(chan struct{})}
	s.topt = opt.Transport
	if s.topt.ClientID == "" {
		s.topt.ClientID = opt.HostID
	}
	if s.topt.NetworkTimeout == 0 {
		s.topt.NetworkTimeout = transport.DefaultNetworkTimeout
	}
	if s.topt.Log == nil {
		s.topt.Log = s.log
	}
	s.topt.CleanSession = true
	s.topt.Subscriptions = []transport.Subscription{
		{Filter: sparkplug.NamespaceWildcard, QOS: 1},
		{Filter: sparkplug.StateTopicPrefix + "#", QOS: 1},
	}
	return s, nil
}

func (s *Session) stateTopic() string { return sparkplug.StateTopic(s.opt.HostID) }

// Establish returns after ONLINE is published once.
// Control announcement, when enabled, is acknowledged before session client connects.
func (s *Session) Establish(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.Errorf("host session %s already established", s.opt.HostID)
	}
	s.started = true
	s.mu.Unlock()

	var ctl transport.Transporter
	if s.opt.Control {
		var err error
		if ctl, err = s.announce(ctx); err != nil {
			return errors.Annotate(err, "host control")
		}
		defer ctl.Close()
	}

	s.mu.Lock()
	t, err := s.opt.Factory(s.topt, s)
	if err == nil {
		err = t.SetWill(&transport.Message{Topic: s.stateTopic(), Payload: []byte(sparkplug.StateOffline), QOS: 1, Retain: true})
		if err != nil {
			_ = t.Close()
		}
	}
	if err != nil {
		s.mu.Unlock()
		return errors.Annotate(err, "host session")
	}
	s.t = t
	s.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		return errors.Annotate(err, "host session")
	}
	if err := s.waitOnline(ctx); err != nil {
		return errors.Annotate(err, "host session")
	}

	if ctl != nil {
		m := &transport.Message{Topic: sparkplug.TCKControlTopic, Payload: []byte(controlEndTest), QOS: 1}
		if err := ctl.Publish(ctx, m); err != nil {
			return errors.Annotate(err, "host control end")
		}
	}
	return nil
}

// announce connects control client and publishes session establishment test start.
func (s *Session) announce(ctx context.Context) (transport.Transporter, error) {
	subscribed := make(chan struct{})
	var once sync.Once
	h := transport.HandlerFuncs{
		Subscribe: func(transport.Transporter, []string) { once.Do(func() { close(subscribed) }) },
		Message: func(_ transport.Transporter, m *transport.Message) {
			if m.Topic == sparkplug.TCKResultTopic {
				s.log.Infof("host control result: %s", m.Payload)
			}
		},
	}
	topt := s.topt
	topt.ClientID = s.opt.HostID + "_control"
	topt.Subscriptions = []transport.Subscription{{Filter: sparkplug.TCKWildcard, QOS: 1}}
	ctl, err := s.opt.Factory(topt, h)
	if err != nil {
		return nil, err
	}
	if err = ctl.Connect(ctx); err == nil {
		err = wait(ctx, subscribed, s.topt.NetworkTimeout, "control subscribe")
	}
	if err == nil {
		m := &transport.Message{Topic: sparkplug.TCKControlTopic, Payload: []byte(controlNewSession + s.opt.HostID), QOS: 1}
		err = ctl.Publish(ctx, m)
	}
	if err != nil {
		_ = ctl.Close()
		return nil, err
	}
	return ctl, nil
}

func (s *Session) waitOnline(ctx context.Context) error {
	return wait(ctx, s.onlineCh, s.topt.NetworkTimeout, "online")
}

// Online reports whether ONLINE was published in current connection.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Close publishes OFFLINE explicitly, clean disconnect suppresses will.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t, online := s.t, s.online
	s.online = false
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	var err error
	if online {
		err = t.Publish(ctx, &transport.Message{Topic: s.stateTopic(), Payload: []byte(sparkplug.StateOffline), QOS: 1, Retain: true})
	}
	if e := t.Close(); e != nil && err == nil {
		err = e
	}
	return errors.Annotate(err, "host close")
}

func (s *Session) OnConnect(t transport.Transporter) {
	s.log.Debugf("host %s connected", s.opt.HostID)
}

// OnSubscribe announces ONLINE after every (re)connect.
func (s *Session) OnSubscribe(t transport.Transporter, filters []string) {
	s.mu.Lock()
	if t != s.t || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.topt.NetworkTimeout)
	defer cancel()
	m := &transport.Message{Topic: s.stateTopic(), Payload: []byte(sparkplug.StateOnline), QOS: 1, Retain: true}
	if err := t.Publish(ctx, m); err != nil {
		s.log.Errorf("host %s publish online err=%v", s.opt.HostID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.online = true
	select {
	case <-s.onlineCh:
	default:
		close(s.onlineCh)
	}
	s.log.Infof("host %s online", s.opt.HostID)
}

func (s *Session) OnMessage(t transport.Transporter, m *transport.Message) {
	if m.Topic == s.stateTopic() {
		// live OFFLINE while connected, e.g. late will of previous connection
		if string(m.Payload) == sparkplug.StateOffline && !m.Retain && s.Online() {
			s.log.Errorf("host %s observed own OFFLINE while online, repeat ONLINE", s.opt.HostID)
			s.OnSubscribe(t, nil)
		}
		return
	}
	if s.opt.Monitor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.topt.NetworkTimeout)
	defer cancel()
	if err := s.opt.Monitor.Handle(ctx, t, m); err != nil && !sparkplug.IsSequenceGap(err) {
		s.log.Errorf("host topic=%s err=%v", m.Topic, err)
	}
}

func (s *Session) OnConnectionLost(t transport.Transporter, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t != s.t {
		return
	}
	s.online = false
	s.log.Errorf("host %s connection lost err=%v", s.opt.HostID, err)
}

func wait(ctx context.Context, done <-chan struct{}, timeout time.Duration, what string) error {
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
