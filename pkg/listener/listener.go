// Package listener implements Listener: a dedicated, non-pooled
// Postgres connection that LISTENs on the "blocks" channel DatabaseActor
// notifies on insert, decodes the block number payload, resolves that
// block's hash through the chain backend, and enqueues exactly one
// execute_block job per notification.
// LISTEN is connection-scoped, so this package never shares dbstore's
// pgxpool — it opens its own pgx.Conn via dbstore.Actor.PgURL().
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const channel = "blocks"

// baseReconnectDelay is the starting backoff when the LISTEN
// connection drops; it doubles up to maxReconnectDelay between
// attempts.
const (
	baseReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay  = 30 * time.Second
)

type notifyPayload struct {
	BlockNum uint32 `json:"block_num"`
}

// Enqueuer is the jobqueue surface Listener schedules jobs through.
type Enqueuer interface {
	Enqueue(ctx context.Context, blockNumber uint32, hash types.Hash) error
}

// Listener holds the connection string it reconnects with and the
// collaborators it hands newly notified blocks to.
type Listener struct {
	pgURL   string
	backend chainkv.Backend
	queue   Enqueuer
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// New builds a Listener. backend resolves a notified block number to
// its header/hash; queue receives the resulting job.
func New(pgURL string, backend chainkv.Backend, queue Enqueuer) *Listener {
	return &Listener{
		pgURL:   pgURL,
		backend: backend,
		queue:   queue,
		logger:  log.WithComponent("listener"),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the listen loop in its own goroutine until Stop is called
// or ctx is canceled, reconnecting with exponential backoff whenever
// the connection drops.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop halts the listen loop.
func (l *Listener) Stop() {
	close(l.stopCh)
}

func (l *Listener) run(ctx context.Context) {
	delay := baseReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		err := l.listenOnce(ctx)
		if err == nil {
			return // context canceled or Stop called inside listenOnce
		}

		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("listen connection lost, reconnecting")
		metrics.ListenerReconnectsTotal.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// listenOnce opens a dedicated connection, issues LISTEN, and blocks on
// notifications until the connection fails, ctx is canceled, or Stop is
// called. A nil return means the caller should not retry (clean stop);
// a non-nil return means the connection dropped and should be retried.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.pgURL)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", types.ErrDB, err)
	}
	defer conn.Close(ctx)

	// Stop cancels waitCtx so an idle WaitForNotification returns.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("%w: listen: %v", types.ErrDB, err)
	}
	l.logger.Info().Msg("listening for block notifications")

	for {
		notif, err := conn.WaitForNotification(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: wait for notification: %v", types.ErrDB, err)
		}

		if err := l.handleNotification(ctx, notif); err != nil {
			l.logger.Warn().Err(err).Str("payload", notif.Payload).Msg("failed to handle block notification")
		}

		select {
		case <-l.stopCh:
			return nil
		default:
		}
	}
}

func (l *Listener) handleNotification(ctx context.Context, notif *pgconn.Notification) error {
	var payload notifyPayload
	if err := json.Unmarshal([]byte(notif.Payload), &payload); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}

	header, err := l.backend.HeaderByNumber(ctx, payload.BlockNum)
	if err != nil {
		return fmt.Errorf("resolve header for block %d: %w", payload.BlockNum, err)
	}

	if err := l.queue.Enqueue(ctx, header.Number, header.Hash); err != nil {
		return fmt.Errorf("enqueue block %d: %w", header.Number, err)
	}
	return nil
}
