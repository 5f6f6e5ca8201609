package bus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/bus"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/natsserver"
)

func TestConnectRequiresServers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := bus.Connect(context.Background(), config.BusConfig{}, log); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	type payload struct {
		Text string `json:"text"`
	}
	got := make(chan string, 1)
	sub, err := client.Subscribe("test.>", func(subject string, data []byte) {
		got <- subject + " " + string(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON("test.echo", payload{Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `test.echo {"text":"hi"}` {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *bus.Client
	if c.Healthy() {
		t.Fatal("nil client reported healthy")
	}
	c.Close()
}
