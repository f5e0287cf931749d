package state

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/helpers"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/transport"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Mqtt   MqttConfig   `hcl:"mqtt"`
	Edge   EdgeConfig   `hcl:"edge"`
	Host   HostConfig   `hcl:"host"`
	Broker BrokerConfig `hcl:"broker"`
	Stat   struct {
		Listen string `hcl:"listen"`
	} `hcl:"stat"`
}

type MqttConfig struct {
	Broker            string `hcl:"broker"`
	Client            string `hcl:"client"` // paho|gomqtt
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	LogDebug          bool   `hcl:"log_debug"`
}

type EdgeConfig struct {
	GroupID         string   `hcl:"group_id"`
	NodeID          string   `hcl:"node_id"`
	Devices         []string `hcl:"devices"`
	UseAliases      bool     `hcl:"use_aliases"`
	DataIntervalSec int      `hcl:"data_interval_sec"`
	PersistPath     string   `hcl:"persist_path"`
	Queue           bool     `hcl:"queue"` // store and forward under persist_path/queue
}

type HostConfig struct {
	ID                 string `hcl:"id"`
	Control            bool   `hcl:"control"`
	RebirthDebounceSec int    `hcl:"rebirth_debounce_sec"`
}

type BrokerConfig struct {
	Listen []string          `hcl:"listen"`
	Users  map[string]string `hcl:"users"` // empty allows anonymous
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

const (
	DefaultBroker          = "tcp://127.0.0.1:1883"
	DefaultDataIntervalSec = 5
)

// QueuePath is store and forward directory, empty when disabled.
func (e *EdgeConfig) QueuePath() string {
	if !e.Queue || e.PersistPath == "" {
		return ""
	}
	return filepath.Join(e.PersistPath, "queue")
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig decodes names in order, later sources and includes overwrite earlier values.
// Paths of OsFullReader are relative to directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config names empty")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	c.defaults()
	return c, c.validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) defaults() {
	if c.Mqtt.Broker == "" {
		c.Mqtt.Broker = DefaultBroker
	}
	if c.Mqtt.Client == "" {
		c.Mqtt.Client = transport.KindPaho
	}
	if c.Host.ID == "" {
		c.Host.ID = "host-" + uuid.New().String()
	}
	if c.Edge.DataIntervalSec == 0 {
		c.Edge.DataIntervalSec = DefaultDataIntervalSec
	}
}

func (c *Config) validate() error {
	errs := make([]error, 0)
	switch c.Mqtt.Client {
	case transport.KindPaho, transport.KindGomqtt:
	default:
		errs = append(errs, errors.NotValidf("config mqtt.client=%s", c.Mqtt.Client))
	}
	for _, x := range []struct {
		name  string
		value int
	}{
		{"mqtt.keepalive_sec", c.Mqtt.KeepaliveSec},
		{"mqtt.network_timeout_sec", c.Mqtt.NetworkTimeoutSec},
		{"mqtt.reconnect_delay_sec", c.Mqtt.ReconnectDelaySec},
		{"edge.data_interval_sec", c.Edge.DataIntervalSec},
		{"host.rebirth_debounce_sec", c.Host.RebirthDebounceSec},
	} {
		if x.value < 0 {
			errs = append(errs, errors.NotValidf("config %s=%d", x.name, x.value))
		}
	}
	if c.Mqtt.KeepaliveSec > 0xffff {
		errs = append(errs, errors.NotValidf("config mqtt.keepalive_sec=%d", c.Mqtt.KeepaliveSec))
	}
	if c.Edge.Queue && c.Edge.PersistPath == "" {
		errs = append(errs, errors.NotValidf("config edge.queue requires edge.persist_path"))
	}
	if strings.ContainsAny(c.Host.ID, "/+#") {
		errs = append(errs, errors.NotValidf("config host.id=%s", c.Host.ID))
	}
	return helpers.FoldErrors(errs)
}

// TransportOptions maps mqtt section. Empty ClientID is filled by role: group_node for edge, host id for host.
func (c *Config) TransportOptions(log *log2.Log) (transport.Options, error) {
	opt := transport.Options{
		BrokerURL:      c.Mqtt.Broker,
		ClientID:       c.Mqtt.ClientID,
		Username:       c.Mqtt.Username,
		Password:       c.Mqtt.Password,
		KeepaliveSec:   uint16(c.Mqtt.KeepaliveSec),
		NetworkTimeout: helpers.IntSecondDefault(c.Mqtt.NetworkTimeoutSec, transport.DefaultNetworkTimeout),
		ReconnectDelay: helpers.IntSecondDefault(c.Mqtt.ReconnectDelaySec, transport.DefaultReconnectDelay),
		Log:            log,
		LogDebug:       c.Mqtt.LogDebug,
	}
	if c.Mqtt.TlsCaFile != "" {
		tlsconf, err := transport.TLSConfigCA(c.Mqtt.TlsCaFile)
		if err != nil {
			return opt, errors.Annotate(err, "config mqtt.tls_ca_file")
		}
		opt.TLS = tlsconf
	}
	return opt, nil
}
