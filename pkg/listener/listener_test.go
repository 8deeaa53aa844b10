package listener

import (
	"context"
	"testing"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeQueue struct {
	enqueued []uint32
}

func (q *fakeQueue) Enqueue(_ context.Context, blockNumber uint32, _ types.Hash) error {
	q.enqueued = append(q.enqueued, blockNumber)
	return nil
}

func TestHandleNotificationEnqueuesResolvedBlock(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	var hash types.Hash
	hash[0] = 9
	backend.AddBlock(&types.Block{Number: 7, Hash: hash}, nil)

	queue := &fakeQueue{}
	l := New("", backend, queue)

	notif := &pgconn.Notification{Payload: `{"block_num":7}`}
	if err := l.handleNotification(ctx, notif); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != 7 {
		t.Fatalf("expected block 7 enqueued, got %v", queue.enqueued)
	}
}

func TestHandleNotificationRejectsBadPayload(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake()
	queue := &fakeQueue{}
	l := New("", backend, queue)

	notif := &pgconn.Notification{Payload: `not json`}
	if err := l.handleNotification(ctx, notif); err == nil {
		t.Fatal("expected error decoding malformed payload")
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("expected no enqueue on bad payload, got %v", queue.enqueued)
	}
}

func TestHandleNotificationPropagatesMissingHeader(t *testing.T) {
	ctx := context.Background()
	backend := chainkv.NewFake() // empty: no headers registered
	queue := &fakeQueue{}
	l := New("", backend, queue)

	notif := &pgconn.Notification{Payload: `{"block_num":1}`}
	if err := l.handleNotification(ctx, notif); err == nil {
		t.Fatal("expected error resolving unknown block")
	}
}
