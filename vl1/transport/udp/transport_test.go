package udp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
)

func TestSendReceive(t *testing.T) {
	a, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.WriteTo(ctx, []byte("ping"), b.LocalEndpoint()))
	buf := make([]byte, 1500)
	n, from, err := b.ReadFrom(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, a.LocalEndpoint(), from)
}

func TestReadFromHonorsContext(t *testing.T) {
	a, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = a.ReadFrom(ctx, make([]byte, 10))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteToWrongNetwork(t *testing.T) {
	a, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()
	ep := a.LocalEndpoint()
	ep.Network = discovery.NetworkQUIC
	assert.ErrorIs(t, a.WriteTo(context.Background(), []byte("x"), ep), ErrWrongNetwork)
}
