package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/messaging"
)

type scriptedClient struct {
	messages []messaging.Message
}

func (c *scriptedClient) Publish(context.Context, []byte, []byte, map[string]string) error { return nil }
func (c *scriptedClient) Topic() string                                                    { return "remedio.events" }

func (c *scriptedClient) Consume(ctx context.Context, handler messaging.Handler) error {
	for _, m := range c.messages {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestEngineRoutesByTopic(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	client := &scriptedClient{messages: []messaging.Message{
		{Topic: "other", Value: []byte("skip")},
		{Topic: "remedio.events", Value: []byte("hello")},
	}}
	cfg := config.Config{}
	cfg.Messaging.Enabled = true
	cfg.Messaging.Workers.Enabled = true
	cfg.Messaging.Workers.Concurrency = 1

	engine := NewEngine(Params{
		Client: client,
		Logger: zap.NewNop(),
		Config: cfg,
		Registrations: []HandlerRegistration{{
			Topic: "remedio.events",
			Handler: func(_ context.Context, msg messaging.Message) error {
				mu.Lock()
				seen = append(seen, string(msg.Value))
				mu.Unlock()
				close(done)
				return nil
			},
		}},
	})

	if err := engine.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}
	if err := engine.stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "hello" {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestEngineSkipsWhenDisabled(t *testing.T) {
	engine := NewEngine(Params{Client: &scriptedClient{}, Logger: zap.NewNop(), Config: config.Config{}})
	if err := engine.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if engine.cancel != nil {
		t.Fatalf("disabled engine should not spawn workers")
	}
	if err := engine.stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
