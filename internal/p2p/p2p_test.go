package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
)

func newHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")

	first, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Fatal("first load did not create a key")
	}
	second, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Fatal("second load created a new key")
	}
	if !first.Equals(second) {
		t.Fatal("reloaded key differs")
	}
}

func TestLoadOrCreateKeyReplacesCorrupt(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(keyFile, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	_, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Fatal("corrupt key was not replaced")
	}
}

func TestFilterAddrs(t *testing.T) {
	in := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/tcp/4001"),
		ma.StringCast("/ip4/192.168.1.10/tcp/4001"),
		ma.StringCast("/ip6/::1/tcp/4001"),
		ma.StringCast("/ip6/fe80::1/tcp/4001"),
	}
	got := filterAddrs(in)
	if len(got) != 1 || got[0] != "/ip4/192.168.1.10/tcp/4001" {
		t.Fatalf("filterAddrs = %v", got)
	}
}

func TestStreamsOpenAndAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := newHost(t), newHost(t)
	a.Peerstore().AddAddrs(b.ID(), b.Addrs(), peerstore.PermanentAddrTTL)

	sa := NewStreams(ctx, a, "/audio", 5*time.Second)
	sb := NewStreams(ctx, b, "/audio", 5*time.Second)
	incoming := sb.Incoming()
	if sb.Incoming() != incoming {
		t.Fatal("Incoming returned a different channel on the second call")
	}

	out, err := sa.OpenStream(ctx, b.ID())
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	payload := []byte("hello audio")
	if _, err := out.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := out.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	var in InboundStream
	select {
	case in = <-incoming:
	case <-ctx.Done():
		t.Fatal("no inbound stream")
	}
	if in.Peer != a.ID() {
		t.Fatalf("inbound peer = %s, want %s", in.Peer, a.ID())
	}
	got, err := io.ReadAll(in.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}
	_ = in.Stream.Close()
}

func TestOpenStreamUnreachable(t *testing.T) {
	ctx := context.Background()
	a := newHost(t)
	s := NewStreams(ctx, a, "/audio", 500*time.Millisecond)

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.OpenStream(ctx, stranger)
	var openErr *StreamOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *StreamOpenError", err)
	}
	if openErr.Peer != stranger {
		t.Fatalf("error peer = %s, want %s", openErr.Peer, stranger)
	}
}
