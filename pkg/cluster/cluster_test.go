package cluster

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type echoReq struct {
	Text string `msgpack:"t"`
}

type echoResp struct {
	Text string `msgpack:"t"`
	From string `msgpack:"f"`
}

func echoHandler(c Cluster) {
	c.Handle("echo", func(_ context.Context, from string, req []byte) ([]byte, error) {
		var in echoReq
		if err := msgpack.Unmarshal(req, &in); err != nil {
			return nil, err
		}
		return msgpack.Marshal(echoResp{Text: in.Text, From: from})
	})
}

func TestSingle(t *testing.T) {
	c := NewSingle("n1")
	echoHandler(c)

	if c.Self() != "n1" {
		t.Errorf("Self = %q", c.Self())
	}
	if got := c.Nodes(); !reflect.DeepEqual(got, []string{"n1"}) {
		t.Errorf("Nodes = %v", got)
	}
	if err := c.IfReady(func() error { return nil }); err != nil {
		t.Errorf("IfReady: %v", err)
	}

	var resp echoResp
	if err := c.Call(context.Background(), "n1", "echo", echoReq{Text: "hi"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hi" || resp.From != "n1" {
		t.Errorf("resp = %+v", resp)
	}

	if err := c.Call(context.Background(), "other", "echo", echoReq{}, nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("unknown node: %v", err)
	}
	if err := c.Call(context.Background(), "n1", "nope", echoReq{}, nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method: %v", err)
	}
}

func TestLoopbackMesh(t *testing.T) {
	mesh := NewLoopback("n1", "n2", "n3")
	for _, n := range mesh {
		echoHandler(n)
	}

	n1 := mesh["n1"]
	if got := n1.Nodes(); !reflect.DeepEqual(got, []string{"n1", "n2", "n3"}) {
		t.Errorf("Nodes = %v", got)
	}

	var resp echoResp
	if err := n1.Call(context.Background(), "n2", "echo", echoReq{Text: "x"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.From != "n1" || resp.Text != "x" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestLoopbackReadinessGate(t *testing.T) {
	mesh := NewLoopback("n1")
	n1 := mesh["n1"]

	n1.SetReady(false)
	if err := n1.IfReady(func() error { return nil }); !errors.Is(err, ErrNotReady) {
		t.Errorf("gate closed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n1.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady on closed gate: %v", err)
	}

	n1.SetReady(true)
	if err := n1.WaitReady(context.Background()); err != nil {
		t.Errorf("WaitReady: %v", err)
	}
	if err := n1.IfReady(func() error { return nil }); err != nil {
		t.Errorf("gate open: %v", err)
	}
}

func TestWSMesh(t *testing.T) {
	a := NewWS(WSConfig{Name: "a", ListenAddr: "127.0.0.1:0"})
	b := NewWS(WSConfig{Name: "b", ListenAddr: "127.0.0.1:0"})
	echoHandler(a)
	echoHandler(b)

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Close()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer b.Close()

	a.AddPeer("b", fmt.Sprintf("ws://%s/cluster", b.Addr()))
	b.AddPeer("a", fmt.Sprintf("ws://%s/cluster", a.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.WaitReady(ctx); err != nil {
		t.Fatalf("a.WaitReady: %v", err)
	}
	if err := b.WaitReady(ctx); err != nil {
		t.Fatalf("b.WaitReady: %v", err)
	}

	var resp echoResp
	if err := a.Call(ctx, "b", "echo", echoReq{Text: "over the wire"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "over the wire" || resp.From != "a" {
		t.Errorf("resp = %+v", resp)
	}

	// Handler errors travel back as RemoteError.
	b.Handle("fail", func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("kaboom")
	})
	err := a.Call(ctx, "b", "fail", echoReq{}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remote.Node != "b" {
		t.Errorf("remote.Node = %q", remote.Node)
	}

	// Local calls work without the network.
	if err := a.Call(ctx, "a", "echo", echoReq{Text: "local"}, &resp); err != nil {
		t.Fatalf("local Call: %v", err)
	}
	if resp.Text != "local" {
		t.Errorf("resp = %+v", resp)
	}
}
