package sparkplug

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

const BdSeqMetricName = "bdSeq"

// Node Control metrics announced in NBIRTH and written by host NCMD.
const (
	ControlNextServer = "Node Control/Next Server"
	ControlRebirth    = "Node Control/Rebirth"
	ControlReboot     = "Node Control/Reboot"
)

// Sequence owns per node message seq and birth/death bdSeq counters.
// Both wrap at 256. Zero value is ready to use.
type Sequence struct {
	mu    sync.Mutex
	seq   uint8
	bdSeq uint8
}

// SequenceState is a copy of counters for rollback.
type SequenceState struct {
	Seq   uint8
	BdSeq uint8
}

// NextSeq returns current seq then increments it.
func (s *Sequence) NextSeq() uint64 {
	s.mu.Lock()
	v := s.seq
	s.seq++
	s.mu.Unlock()
	return uint64(v)
}

// NextBdSeq returns current bdSeq then increments it.
func (s *Sequence) NextBdSeq() uint64 {
	s.mu.Lock()
	v := s.bdSeq
	s.bdSeq++
	s.mu.Unlock()
	return uint64(v)
}

func (s *Sequence) ResetSeq() {
	s.mu.Lock()
	s.seq = 0
	s.mu.Unlock()
}

func (s *Sequence) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.seq)
}

func (s *Sequence) BdSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.bdSeq)
}

func (s *Sequence) Snapshot() SequenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SequenceState{Seq: s.seq, BdSeq: s.bdSeq}
}

func (s *Sequence) Restore(st SequenceState) {
	s.mu.Lock()
	s.seq, s.bdSeq = st.Seq, st.BdSeq
	s.mu.Unlock()
}

// MarshalBinary is fixed size, suitable for overwrite in place.
func (s *Sequence) MarshalBinary() ([]byte, error) {
	st := s.Snapshot()
	return []byte{st.Seq, st.BdSeq}, nil
}

func (s *Sequence) UnmarshalBinary(b []byte) error {
	if len(b) != 2 {
		return errors.NotValidf("sequence state length=%d", len(b))
	}
	s.Restore(SequenceState{Seq: b[0], BdSeq: b[1]})
	return nil
}

func Millis(t time.Time) uint64 { return uint64(t.UnixMilli()) }

func bdSeqMetric(v uint64) *Metric {
	return &Metric{
		Name:     BdSeqMetricName,
		DataType: Int64,
		Value:    Value{Field: FieldLong, Long: v},
	}
}

// BuildNodeDeathPayload takes bdSeq with NextBdSeq, so following birth reports the same value.
// Death payload is registered as will before connect, so it carries no timestamp or seq.
func BuildNodeDeathPayload(s *Sequence) *Payload {
	p := &Payload{}
	p.AddMetric(bdSeqMetric(s.NextBdSeq()))
	return p
}

// BuildNodeBirthPayload resets seq; payload seq is 0 and bdSeq metric is bdSeq-1 mod 256,
// the value advertised by most recent death.
func BuildNodeBirthPayload(s *Sequence, now time.Time) *Payload {
	s.ResetSeq()
	p := &Payload{Timestamp: Millis(now)}
	p.SetSeq(s.NextSeq())
	m := bdSeqMetric((s.BdSeq() + 255) % 256)
	m.Timestamp = p.Timestamp
	p.AddMetric(m)
	return p
}

func BuildDeviceBirthPayload(s *Sequence, now time.Time) *Payload { return buildSeqPayload(s, now) }

func BuildDeviceDeathPayload(s *Sequence, now time.Time) *Payload { return buildSeqPayload(s, now) }

func BuildDataPayload(s *Sequence, now time.Time) *Payload { return buildSeqPayload(s, now) }

// BuildCommandPayload has no seq.
func BuildCommandPayload(now time.Time) *Payload { return &Payload{Timestamp: Millis(now)} }

// BuildRebirthCommand is NCMD payload asking node to publish births again.
func BuildRebirthCommand(now time.Time) *Payload {
	p := BuildCommandPayload(now)
	p.AddMetric(&Metric{
		Name:      ControlRebirth,
		Timestamp: p.Timestamp,
		DataType:  Boolean,
		Value:     Value{Field: FieldBoolean, Boolean: true},
	})
	return p
}

func buildSeqPayload(s *Sequence, now time.Time) *Payload {
	p := &Payload{Timestamp: Millis(now)}
	p.SetSeq(s.NextSeq())
	return p
}

// BdSeqOf returns value of bdSeq metric in birth or death payload.
func BdSeqOf(p *Payload) (uint64, bool) {
	m := p.Metric(BdSeqMetricName)
	if m == nil || m.IsNull {
		return 0, false
	}
	switch m.Value.Field {
	case FieldLong:
		return m.Value.Long, true
	case FieldInt:
		// some implementations send bdSeq as UInt32/UInt64 into int_value
		return uint64(m.Value.Int), true
	}
	return 0, false
}
