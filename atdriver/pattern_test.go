package atdriver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWholeMessagePattern(t *testing.T) {
	p, err := NewPattern("%[10]s", true)
	require.NoError(t, err)
	captures, ok := p.Match("this is a long message")
	require.True(t, ok)
	require.Equal(t, []string{"this is a "}, captures)
	require.Equal(t, 1, p.Hits())
}

func TestLiteralPrefixNoCaptures(t *testing.T) {
	p, err := NewPattern("OK", true)
	require.NoError(t, err)
	_, ok := p.Match("\r\nOK\r\n")
	require.True(t, ok)

	_, ok = p.Match("\r\nERROR:5\r\n")
	require.False(t, ok)
}

func TestScanfCaptures(t *testing.T) {
	p, err := NewPattern(`+WFJAP:1,'%s',%s`, true)
	require.NoError(t, err)
	captures, ok := p.Match(`+WFJAP:1,'ProtoSorcery',10.1.91.148`)
	require.True(t, ok)
	require.Equal(t, []string{"ProtoSorcery", "10.1.91.148"}, captures)
}

func TestUnmatchedPatternSkipped(t *testing.T) {
	p, err := NewPattern("+RSSI:%d", true)
	require.NoError(t, err)
	_, ok := p.Match("+WFJAP:1,'x',1.2.3.4")
	require.False(t, ok)
}

func TestErrorCodeCapture(t *testing.T) {
	p, err := NewPattern("ERROR:%d", true)
	require.NoError(t, err)
	captures, ok := p.Match("\r\nERROR:-5\r\n")
	require.True(t, ok)
	require.Equal(t, []string{"-5"}, captures)
}
