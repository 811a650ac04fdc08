package net

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenHoldsPort(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	port := Port(l)
	assert.NotZero(t, port)

	_, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	assert.Error(t, err, "the port stays bound")

	assert.Equal(t, fmt.Sprintf("ws://127.0.0.1:%d/bus", port), URL("ws", l, "/bus"))
}

func TestURLUnspecifiedHost(t *testing.T) {
	l, err := Listen("0.0.0.0:0")
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", Port(l)), URL("http", l, ""))
}
