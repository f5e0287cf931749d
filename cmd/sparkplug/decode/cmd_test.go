package decode

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sparkplug/sparkplug"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	p := &sparkplug.Payload{Timestamp: 1600000000000}
	p.SetSeq(3)
	_, err := sparkplug.AddMetric(p, "temp", sparkplug.Float, float32(1.5))
	require.NoError(t, err)
	b, err := p.Marshal()
	require.NoError(t, err)

	type Case struct {
		name      string
		input     string
		expectErr string
	}
	cases := []Case{
		{"hex", hex.EncodeToString(b), ""},
		{"hex-spaces", hex.EncodeToString(b[:2]) + " " + hex.EncodeToString(b[2:]), ""},
		{"base64", "base64:" + base64.StdEncoding.EncodeToString(b), ""},
		{"empty", "", ""},
		{"error-hex", "zz", "input"},
		{"error-base64", "base64:!", "input"},
		{"error-payload", "0a", "decode"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			if c.input == "" {
				assert.Empty(t, got.Metrics)
				return
			}
			seq, ok := got.GetSeq()
			assert.True(t, ok)
			assert.Equal(t, uint64(3), seq)
			v, err := got.Metric("temp").Decode()
			require.NoError(t, err)
			assert.Equal(t, float32(1.5), v)
		})
	}
}
