package channels_test

import (
	"context"
	"testing"

	"github.com/basket/nexusd/internal/channels"
	"github.com/basket/nexusd/internal/notify"
)

// Compile-time interface checks: TelegramChannel is both ingress and egress.
var (
	_ channels.Channel = (*channels.TelegramChannel)(nil)
	_ notify.Notifier  = (*channels.TelegramChannel)(nil)
)

func TestTelegramChannel_Name(t *testing.T) {
	// Name() only returns a constant, so a minimal instance with nil deps
	// is fine here.
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, "", nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	// Constructing with an empty allowlist should not panic.
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil, "", nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil, "", nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with populated allowlist")
	}
}

func TestTelegramChannel_SendBeforeStart(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, "", nil)
	if err := ch.Send(context.Background(), "12345", "hello"); err == nil {
		t.Fatal("expected error sending before Start")
	}
}

func TestTelegramChannel_SendRejectsBadRecipient(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, "", nil)
	if err := ch.Send(context.Background(), "not-a-chat-id", "hello"); err == nil {
		t.Fatal("expected error for non-numeric recipient")
	}
}
