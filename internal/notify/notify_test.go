package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cmusatyalab/deltaic/internal/config"
)

func TestWebhookSenderSignsAndPosts(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Deltaic-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(config.NotifySettings{Webhook: &config.WebhookSettings{URL: srv.URL, Secret: "s3cr3t"}})
	err := n.Send(context.Background(), Report{Subject: "ok", Body: "all good", Failed: 0})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotSig == "" {
		t.Fatal("expected a signature header")
	}
}

func TestNilNotifierSendIsNoop(t *testing.T) {
	var n *Notifier
	if err := n.Send(context.Background(), Report{}); err != nil {
		t.Fatalf("nil Notifier.Send must be a no-op: %v", err)
	}
}

func TestNewWithNoChannelsConfiguredIsNoop(t *testing.T) {
	n := New(config.NotifySettings{})
	if err := n.Send(context.Background(), Report{Subject: "x"}); err != nil {
		t.Fatalf("Send with no configured channels: %v", err)
	}
}
