// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnewbold/geniza/config"
	"github.com/bnewbold/geniza/register"
	"github.com/bnewbold/geniza/wire"
)

// listenLocal starts a loopback TCP listener for one Accept, returning
// its address and the accepted net.Conn via a channel once a dialer
// connects.
func listenLocal(t *testing.T) (addr string, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			ch <- c
		}
	}()
	return ln.Addr().String(), ch
}

func TestMaxIndex(t *testing.T) {
	got, err := MaxIndex(wire.Have{Start: 0, Length: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)

	got, err = MaxIndex(wire.Have{Start: 5, Length: 10})
	require.NoError(t, err)
	require.Equal(t, uint64(15), got)

	got, err = MaxIndex(wire.Have{Bitfield: []byte{2, 207}})
	require.NoError(t, err)
	require.Equal(t, uint64(7), got)

	got, err = MaxIndex(wire.Have{Bitfield: []byte{2, 254}})
	require.NoError(t, err)
	require.Equal(t, uint64(6), got)
}

// TestSynchronizerClonesRegister is scenario 4 of spec.md §8: a writer
// W and a reader R share W's public key; R connects, completes the
// handshake, and receives exactly W's register contents.
func TestSynchronizerClonesRegister(t *testing.T) {
	writerDir := t.TempDir()
	writer, err := register.Create(writerDir, "metadata", nil)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Append([]byte("hello world!"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := writer.Append([]byte{1, 2, 3, 4, 5})
		require.NoError(t, err)
	}

	readerDir := t.TempDir()
	reader, err := register.CreateForKey(readerDir, "metadata", writer.PublicKey(), nil)
	require.NoError(t, err)
	defer reader.Close()

	addr, accepted := listenLocal(t)

	serverSync, err := NewSynchronizer(ModeTxEndless, writer, nil, nil)
	require.NoError(t, err)
	clientSync, err := NewSynchronizer(ModeRxMax, reader, nil, nil)
	require.NoError(t, err)

	type acceptResult struct {
		conn *wire.Conn
		err  error
	}
	serverCh := make(chan acceptResult, 1)
	go func() {
		raw := <-accepted
		c, err := wire.Accept(raw, writer.PublicKey(), config.Test, nil, nil)
		serverCh <- acceptResult{c, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, err := wire.DialTCP(ctx, addr, writer.PublicKey(), config.Test, nil, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	srv := <-serverCh
	require.NoError(t, srv.err)
	defer srv.conn.Close()

	serverPeer, err := serverSync.AddPeer(srv.conn)
	require.NoError(t, err)
	clientPeer, err := clientSync.AddPeer(clientConn)
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go srv.conn.Run(runCtx)
	go clientConn.Run(runCtx)
	go serverSync.Serve(runCtx, serverPeer)
	go clientSync.Serve(runCtx, clientPeer)

	// Kick off replication the way a writer announces new data: a Have
	// covering the whole register.
	length, err := writer.Length()
	require.NoError(t, err)
	require.NoError(t, srv.conn.Send(0, wire.MsgHave, wire.Have{Start: 0, Length: length}.Marshal()))

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := reader.Length()
		require.NoError(t, err)
		if got == length {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for clone: have %d of %d", got, length)
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, reader.Verify())
	for i := uint64(0); i < length; i++ {
		want, err := writer.GetDataEntry(i)
		require.NoError(t, err)
		got, err := reader.GetDataEntry(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
