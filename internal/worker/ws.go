package worker

import (
	"context"
	"log"
	"time"

	"spinbridge/internal/ledger"
	"spinbridge/internal/models"
)

// RunWS listens on the gateway's websocket feed and reconciles the linked
// entity as soon as a status update lands, instead of waiting for the next
// poll tick. Reconnects forever; the poll loop covers any gap.
func (r *Relay) RunWS(ctx context.Context) {
	if r.WSEndpoint == "" {
		log.Printf("ws disabled: ws_endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := ledger.NewWSClient(r.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			log.Printf("ws connect failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		log.Printf("ws connected %s", r.WSEndpoint)

		if err := client.Subscribe(ctx, r.EscrowAccount); err != nil {
			log.Printf("ws subscribe failed: %v", err)
			client.Close()
			time.Sleep(3 * time.Second)
			continue
		}

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				log.Printf("ws read failed: %v", err)
				client.Close()
				break
			}

			upd, ok, err := ledger.ParseTxUpdate(msg)
			if err != nil {
				log.Printf("ws parse failed: %v", err)
				continue
			}
			if !ok || upd.Status == ledger.StatusPending {
				continue
			}

			tx, found, err := r.findPendingByHash(ctx, upd.Hash)
			if err != nil {
				log.Printf("ws lookup failed: %v", err)
				continue
			}
			if !found {
				continue
			}
			if err := r.ReconcileEntity(ctx, tx.EntityID); err != nil {
				log.Printf("ws reconcile entity=%s failed: %v", tx.EntityID, err)
			}
		}

		time.Sleep(2 * time.Second)
	}
}

func (r *Relay) findPendingByHash(ctx context.Context, hash string) (*models.PendingTransaction, bool, error) {
	txs, err := r.Repo.ListPendingTxs(ctx, models.TxPending)
	if err != nil {
		return nil, false, err
	}
	for _, tx := range txs {
		if tx.TxHash != nil && *tx.TxHash == hash {
			return tx, true, nil
		}
	}
	return nil, false, nil
}
