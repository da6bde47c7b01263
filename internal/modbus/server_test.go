package modbus

import (
	"sync"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, mb.Client) {
	t.Helper()
	srv := NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	h := mb.NewTCPClientHandler(srv.Addr().String())
	h.Timeout = time.Second
	require.NoError(t, h.Connect())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, mb.NewClient(h)
}

func TestWritesReachRegisters(t *testing.T) {
	srv, client := startServer(t)
	var (
		mu     sync.Mutex
		writes []string
	)
	srv.OnWrite(func(bank string, address, quantity uint16) {
		mu.Lock()
		writes = append(writes, bank)
		mu.Unlock()
	})

	_, err := client.WriteSingleRegister(5, 0xBEEF)
	require.NoError(t, err)
	_, err = client.WriteMultipleRegisters(10, 2, EncodeFloat32(12.5, "CDAB"))
	require.NoError(t, err)
	_, err = client.WriteSingleCoil(3, 0xFF00)
	require.NoError(t, err)
	_, err = client.WriteMultipleCoils(20, 3, []byte{0x05})
	require.NoError(t, err)

	data, err := client.ReadHoldingRegisters(5, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF}, data)

	f, err := srv.HoldingFloat32(10, "CDAB")
	require.NoError(t, err)
	assert.Equal(t, float32(12.5), f)

	on, err := srv.Coil(3)
	require.NoError(t, err)
	assert.True(t, on)
	bits, err := client.ReadCoils(20, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, bits)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"holding", "holding", "coil", "coil"}, writes)
}

func TestReadsOfServerValues(t *testing.T) {
	srv, client := startServer(t)
	require.NoError(t, srv.SetInputFloat32(0, -3.25, "ABCD"))
	require.NoError(t, srv.SetDiscreteInput(7, true))

	data, err := client.ReadInputRegisters(0, 2)
	require.NoError(t, err)
	v, err := DecodeFloat32(data, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, float32(-3.25), v)

	bits, err := client.ReadDiscreteInputs(7, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), bits[0]&1)
}

func TestIllegalQuantityIsException(t *testing.T) {
	_, client := startServer(t)
	_, err := client.ReadHoldingRegisters(0, 200)
	require.Error(t, err)
}

func TestReorder32IsInvolution(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	for _, order := range []string{"ABCD", "DCBA", "BADC", "CDAB"} {
		assert.Equal(t, in, Reorder32(Reorder32(in, order), order), order)
	}
	assert.Equal(t, []byte{3, 4, 1, 2}, Reorder32(in, "cdab"))
}
