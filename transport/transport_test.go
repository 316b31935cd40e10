package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNagleWrapDisabledPassesThrough(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	wrapped := NagleWrap(a, 0, time.Millisecond)
	require.Same(t, io.ReadWriteCloser(a), wrapped)
}

func TestNagleWrapDeliversBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	wrapped := NagleWrap(a, 64, 5*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		buf := make([]byte, 32)
		n, _ := b.Read(buf)
		got = buf[:n]
	}()

	_, err := wrapped.Write([]byte("AT+CMD\r\n"))
	require.NoError(t, err)
	wg.Wait()
	require.Equal(t, "AT+CMD\r\n", string(got))
}

func TestTraceHooksFire(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var writes, reads [][]byte
	traced := Trace(a, 16, 5*time.Millisecond,
		func(p []byte) {
			mu.Lock()
			writes = append(writes, append([]byte(nil), p...))
			mu.Unlock()
		},
		func(p []byte) {
			mu.Lock()
			reads = append(reads, append([]byte(nil), p...))
			mu.Unlock()
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 16)
		b.Read(buf)
		b.Write([]byte("OK\r\n"))
	}()

	_, err := traced.Write([]byte("AT\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := traced.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "OK\r\n", string(buf[:n]))
	wg.Wait()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, writes)
	require.NotEmpty(t, reads)
}
