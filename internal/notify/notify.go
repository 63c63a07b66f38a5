// Package notify wraps Postgres LISTEN/NOTIFY on a dedicated connection,
// used by the Enrichment Pipeline's event-driven listener (spec.md §6.3).
// Grounded directly on the teacher's pattern of acquiring a single
// long-lived *pgx.Conn out of the pool via pool.Acquire and blocking on
// conn.Conn().WaitForNotification in a loop — the same approach
// internal/eventbus uses for its Cadence event subscriptions, here
// retargeted at Postgres's native notification channel instead of a
// blockchain event stream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// VolumeTxNotification is the payload shape the new_volume_transaction
// trigger emits (see migrations/schema.sql).
type VolumeTxNotification struct {
	ContractAddress string `json:"contract_address"`
	TxHash          string `json:"tx_hash"`
}

// Listener holds a dedicated pool connection LISTENing on one channel.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
}

func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{pool: pool, channel: channel}
}

// Listen starts a goroutine that delivers each notification's payload on
// the returned channel until ctx is cancelled, then closes it; Listen
// itself returns immediately. The goroutine reconnects with backoff if the
// underlying connection drops, since LISTEN state is lost on disconnect
// and must be re-established — a failure mode the teacher's eventbus
// handles the same way for its own long-lived subscription connection.
func (l *Listener) Listen(ctx context.Context) (<-chan VolumeTxNotification, error) {
	out := make(chan VolumeTxNotification, 64)

	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := l.listenOnce(ctx, out); err != nil {
				log.Printf("[notify] listen error, reconnecting in %s: %v", backoff, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = minDuration(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
		}
	}()

	return out, nil
}

func (l *Listener) listenOnce(ctx context.Context, out chan<- VolumeTxNotification) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("notify: acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return fmt.Errorf("notify: listen %s: %w", l.channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("notify: wait for notification: %w", err)
		}

		var payload VolumeTxNotification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			log.Printf("[notify] malformed payload on %s: %v", n.Channel, err)
			continue
		}

		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
