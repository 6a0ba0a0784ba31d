package session

import (
	"context"
	"testing"
	"time"
)

func TestBindThenGet(t *testing.T) {
	s := New(nil, time.Minute)
	ctx := context.Background()

	if err := s.Bind(ctx, "conv-1", "gpt-4", "openai", "gpt-4"); err != nil {
		t.Fatal(err)
	}
	sess, ok := s.Get(ctx, "conv-1")
	if !ok {
		t.Fatal("expected session to be found")
	}
	if sess.ProviderID != "openai" || sess.ModelID != "gpt-4" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", sess.MessageCount)
	}
}

func TestBindTwiceIncrementsMessageCount(t *testing.T) {
	s := New(nil, time.Minute)
	ctx := context.Background()
	_ = s.Bind(ctx, "conv-1", "gpt-4", "openai", "gpt-4")
	_ = s.Bind(ctx, "conv-1", "gpt-4", "openai", "gpt-4")

	sess, _ := s.Get(ctx, "conv-1")
	if sess.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", sess.MessageCount)
	}
}

func TestTouchUpdatesLastAccessed(t *testing.T) {
	s := New(nil, time.Minute)
	ctx := context.Background()
	_ = s.Bind(ctx, "conv-1", "gpt-4", "openai", "gpt-4")
	before, _ := s.Get(ctx, "conv-1")

	time.Sleep(time.Millisecond)
	_ = s.Touch(ctx, "conv-1")
	after, _ := s.Get(ctx, "conv-1")

	if !after.LastAccessed.After(before.LastAccessed) {
		t.Fatal("expected LastAccessed to advance")
	}
	if after.MessageCount != before.MessageCount+1 {
		t.Fatal("expected message count to increment on touch")
	}
}

func TestGetMissingSession(t *testing.T) {
	s := New(nil, time.Minute)
	if _, ok := s.Get(context.Background(), "nope"); ok {
		t.Fatal("expected not found")
	}
}

func TestSessionExpiresByTTL(t *testing.T) {
	s := New(nil, 10*time.Millisecond)
	ctx := context.Background()
	_ = s.Bind(ctx, "conv-1", "gpt-4", "openai", "gpt-4")
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Get(ctx, "conv-1"); ok {
		t.Fatal("expected session to have expired")
	}
}
