package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUDPConnectionRejectsIPv6(t *testing.T) {
	ctx := context.Background()
	_, err := CreateUDPConnection(ctx, net.ParseIP("::1"), 0, nil)
	assert.Error(t, err)

	_, err = CreateUDPConnection(ctx, nil, 1900, net.ParseIP("ff02::c"))
	assert.Error(t, err)
}

func TestCreateUDPConnectionRejectsNonMulticast(t *testing.T) {
	_, err := CreateUDPConnection(context.Background(), nil, 1900, net.ParseIP("192.168.1.1"))
	assert.Error(t, err)
}

func TestUnicastSendReceive(t *testing.T) {
	ctx := context.Background()

	receiver, err := CreateUDPConnection(ctx, net.ParseIP("127.0.0.1"), 0, nil)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := CreateUDPConnection(ctx, net.ParseIP("127.0.0.1"), 0, nil)
	require.NoError(t, err)
	defer sender.Close()

	payload := []byte("M-SEARCH * HTTP/1.1\r\n\r\n")
	_, err = sender.SendTo(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: receiver.LocalAddr.Port}, payload)
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, src, err := receiver.Receive(recvCtx)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, payload, data)
	assert.Equal(t, sender.LocalAddr.Port, src.Port)
}

func TestReceiveCancellation(t *testing.T) {
	conn, err := CreateUDPConnection(context.Background(), net.ParseIP("127.0.0.1"), 0, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err = conn.Receive(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsLocalIP(t *testing.T) {
	conn, err := CreateUDPConnection(context.Background(), net.ParseIP("127.0.0.1"), 0, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.IsLocalIP(net.ParseIP("127.0.0.1")))
	assert.False(t, conn.IsLocalIP(net.ParseIP("203.0.113.1")))
	assert.False(t, conn.IsLocalIP(nil))
}

func TestGetLocalIPv4s(t *testing.T) {
	ips, err := GetLocalIPv4s()
	require.NoError(t, err)
	for _, ip := range ips {
		assert.NotNil(t, ip.To4(), "only IPv4 addresses are returned")
	}
}
