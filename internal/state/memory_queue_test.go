package state

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueClaimAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	refs := []RequestRef{{ID: "r1", Src: "s1"}, {ID: "r2", Src: "s1"}}
	if err := q.EnqueueMany(ctx, refs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claims, err := q.Claim(ctx, 10, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if claims[0].Ref.ID != "r1" {
		t.Fatalf("claims should come out FIFO, got %s first", claims[0].Ref.ID)
	}

	if err := q.Ack(ctx, claims); err != nil {
		t.Fatalf("ack: %v", err)
	}
	more, err := q.Claim(ctx, 10, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("queue should be empty after ack, got %d claims", len(more))
	}
}

func TestMemoryQueueNackRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	ref := RequestRef{ID: "r1", Src: "s1"}
	if err := q.Enqueue(ctx, ref); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		claims, err := q.Claim(ctx, 1, "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if len(claims) != 1 {
			t.Fatalf("claim %d: expected 1 claim, got %d", i, len(claims))
		}
		if err := q.Nack(ctx, claims, "error"); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	dead, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0] != ref {
		t.Fatalf("expected ref in dead letters, got %+v", dead)
	}

	n, err := q.RequeueDeadLetters(ctx, dead)
	if err != nil {
		t.Fatalf("requeue dead letters: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
	claims, err := q.Claim(ctx, 1, "worker-1", time.Minute)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim after requeue: %v claims=%d", err, len(claims))
	}
}

func TestMemoryQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Enqueue(ctx, RequestRef{ID: "r1", Src: "s1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claims, err := q.Claim(ctx, 1, "worker-1", time.Millisecond)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v claims=%d", err, len(claims))
	}

	moved, err := q.RequeueExpired(ctx, time.Now().UTC().Add(time.Second), 0)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved, got %d", moved)
	}
	again, err := q.Claim(ctx, 1, "worker-2", time.Minute)
	if err != nil || len(again) != 1 {
		t.Fatalf("reclaim: %v claims=%d", err, len(again))
	}
}

func TestRequestRefCodec(t *testing.T) {
	ref := RequestRef{ID: "abc", Src: "00:11:22:33:44:55"}
	raw := encodeRequestRef(ref)
	got, ok := decodeRequestRef(raw)
	if !ok || got != ref {
		t.Fatalf("decode(%q) = %+v ok=%v", raw, got, ok)
	}
	if _, ok := decodeRequestRef("no-separator"); ok {
		t.Fatal("malformed payload should not decode")
	}
}
