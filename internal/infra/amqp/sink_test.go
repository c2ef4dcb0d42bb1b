package amqp

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/telemetry"
)

func TestRoutingKey(t *testing.T) {
	r := telemetry.Report{Severity: apperr.SeverityCritical, Category: apperr.CategoryAuthentication}
	if got := RoutingKey(r); got != "errors.critical.authentication" {
		t.Errorf("routing key = %s", got)
	}
}

func TestSink_Publish(t *testing.T) {
	url := os.Getenv("GUARDIAN_TEST_AMQP_URL")
	if url == "" {
		t.Skip("GUARDIAN_TEST_AMQP_URL not set")
	}

	sink, err := NewSink(Config{URL: url, Exchange: "guardian.errors.test"})
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	defer sink.Close()

	q, err := sink.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("failed to declare queue: %v", err)
	}
	if err := sink.channel.QueueBind(q.Name, "errors.#", "guardian.errors.test", false, nil); err != nil {
		t.Fatalf("failed to bind queue: %v", err)
	}
	msgs, err := sink.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("failed to consume: %v", err)
	}

	report := telemetry.Report{ID: "r1", Code: apperr.CodeNetwork, Severity: apperr.SeverityMedium, Category: apperr.CategoryNetwork}
	if err := sink.Send(context.Background(), []telemetry.Report{report}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-msgs:
		var got telemetry.Report
		if err := json.Unmarshal(m.Body, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != "r1" || m.RoutingKey != "errors.medium.network" {
			t.Errorf("unexpected delivery %s %+v", m.RoutingKey, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
