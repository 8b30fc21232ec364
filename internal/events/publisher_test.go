package events

import (
	"context"
	"testing"

	"meetsrv/internal/domain"
)

func TestDisabledPublisherIsInert(t *testing.T) {
	p := NewPublisher(Config{})
	p.PublishSegment(context.Background(), "room-1", domain.Segment{Speaker: "p1", Text: "hi"})
	p.Close()
}

func TestEmptyBrokerListDisables(t *testing.T) {
	p := NewPublisher(Config{Enabled: true})
	if p.enabled {
		t.Fatalf("publisher must stay disabled without brokers")
	}
}
