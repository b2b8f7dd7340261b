package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/natsserver"
	"github.com/loqalabs/whisperlens/internal/protocol"
)

func TestPublishJobStatus(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}

	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), cfg, srv.ClientURL(), log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("client should be healthy")
	}

	if err := client.EnsureStream(protocol.StreamJobs, []string{protocol.SubjectJobsAll}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream(protocol.StreamJobs, []string{protocol.SubjectJobsAll}, time.Hour); err != nil {
		t.Fatalf("ensure stream twice: %v", err)
	}

	sub, err := client.conn.SubscribeSync(protocol.SubjectJobStatus("job-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt := protocol.JobStatusEvent{JobID: "job-1", Status: "transcribing", Attempts: 1, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(context.Background(), protocol.SubjectJobStatus("job-1"), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.JobStatusEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != "job-1" || got.Status != "transcribing" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestStartDisabledReturnsNil(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: false}, log)
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	if srv.ClientURL() != "" {
		t.Fatal("nil server should have empty url")
	}
}
