// The reconciler consumes settlement outcomes from the ledger and folds them
// back into claims, disbursement attempts, and donations. Settlement events
// may arrive late, duplicated, or out of order; every handler here is
// idempotent, so redelivery is safe.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/chain"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/disbursement"
	"github.com/reliefchain/engine/internal/donations"
	"github.com/reliefchain/engine/internal/metrics"
	"github.com/reliefchain/engine/internal/policy"
	"github.com/reliefchain/engine/pkg/messaging"
)

const (
	refPrefixAttempt  = "claim-attempt:"
	refPrefixDonation = "donation:"

	queueGroup = "reconciler"
)

type reconciler struct {
	disbursements *disbursement.Coordinator
	donations     *donations.Service
}

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	healthPort := os.Getenv("HEALTH_PORT")
	if healthPort == "" {
		healthPort = "8091"
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "relief-reconciler",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	redisCache, err := cache.NewRedis(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	recorder := metrics.NewRecorder(
		os.Getenv("INFLUXDB_URL"),
		os.Getenv("INFLUXDB_TOKEN"),
		os.Getenv("INFLUXDB_ORG"),
		os.Getenv("INFLUXDB_BUCKET"),
	)
	defer recorder.Close()

	auditLog := audit.NewLog(db)
	claimStore := claims.NewSQLStore(db, auditLog)
	attemptStore := disbursement.NewSQLStore(db, auditLog)
	donationStore := donations.NewSQLStore(db, auditLog)

	ledger := chain.NewNATSAdapter(natsClient, chain.DefaultConfig())
	policyProvider := policy.NewProvider(policy.FromEnv())

	claimService := claims.NewService(claimStore, policyProvider, natsClient, recorder)
	r := &reconciler{
		disbursements: disbursement.NewCoordinator(attemptStore, claimService, ledger, recorder),
		donations:     donations.NewService(donationStore, ledger, redisCache, natsClient, recorder),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, subject := range []string{messaging.SubjectSettlementConfirmed, messaging.SubjectSettlementFailed} {
		if err := natsClient.QueueSubscribe(subject, queueGroup, r.handle); err != nil {
			log.Fatalf("Failed to subscribe to %s: %v", subject, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	healthSrv := &http.Server{
		Addr: ":" + healthPort,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/health" {
				http.NotFound(w, req)
				return
			}
			if !natsClient.IsConnected() {
				http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}),
	}

	g.Go(func() error {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	log.Printf("reconciler consuming settlement events (health on :%s)", healthPort)
	err = g.Wait()
	if derr := natsClient.Drain(); derr != nil {
		log.Printf("reconciler: drain failed: %v", derr)
	}
	if err != nil {
		log.Fatalf("reconciler stopped: %v", err)
	}
}

// handle routes one settlement event to the owner of its reference.
// Failures are logged and dropped; the ledger redelivers and the handlers
// converge on redelivery.
func (r *reconciler) handle(msg *nats.Msg) {
	var ev messaging.SettlementEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("reconciler: malformed settlement event on %s: %v", msg.Subject, err)
		return
	}

	confirmed := ev.Status == "confirmed"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case strings.HasPrefix(ev.Reference, refPrefixAttempt):
		attemptID, err := uuid.Parse(strings.TrimPrefix(ev.Reference, refPrefixAttempt))
		if err != nil {
			log.Printf("reconciler: bad attempt reference %q: %v", ev.Reference, err)
			return
		}
		err = r.disbursements.HandleConfirmation(ctx, attemptID, disbursement.Result{
			Confirmed: confirmed,
			TxRef:     ev.TxRef,
			Reason:    ev.Reason,
		})
		if err != nil {
			log.Printf("reconciler: attempt %s confirmation failed: %v", attemptID, err)
		}

	case strings.HasPrefix(ev.Reference, refPrefixDonation):
		donationID, err := uuid.Parse(strings.TrimPrefix(ev.Reference, refPrefixDonation))
		if err != nil {
			log.Printf("reconciler: bad donation reference %q: %v", ev.Reference, err)
			return
		}
		if err := r.donations.HandleConfirmation(ctx, donationID, confirmed, ev.Reason); err != nil {
			log.Printf("reconciler: donation %s confirmation failed: %v", donationID, err)
		}

	default:
		log.Printf("reconciler: unknown settlement reference %q", ev.Reference)
	}
}
