package cache

import (
	"context"
	"testing"

	"crashgame/internal/config"

	"github.com/rs/zerolog"
)

func TestNew_NoRedis(t *testing.T) {
	svc, err := New(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	if err == nil {
		svc.Close()
		t.Fatal("New() should fail when nothing listens on the address")
	}
	if svc != nil {
		t.Error("New() returned a service alongside an error")
	}
}

func TestNew_Health(t *testing.T) {
	svc, err := New(context.Background(), config.RedisConfig{Addr: "localhost:6379", DB: 15}, zerolog.Nop())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer svc.Close()

	health := svc.Health()
	if health["status"] != "up" {
		t.Errorf("Health() status = %q, want up", health["status"])
	}
	if svc.GetClient() == nil {
		t.Error("GetClient() returned nil")
	}
}

func TestService_Interface(t *testing.T) {
	var _ Service = (*service)(nil)
}
