package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/auth"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/chain"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/contentstore"
	"github.com/reliefchain/engine/internal/disbursement"
	"github.com/reliefchain/engine/internal/donations"
	"github.com/reliefchain/engine/internal/metrics"
	"github.com/reliefchain/engine/internal/policy"
	"github.com/reliefchain/engine/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8001"
	}

	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "relief-api",
		ReconnectWait: time.Second,
		MaxReconnects: 5,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	redisCache, err := cache.NewRedis(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	docs, err := contentstore.New(contentstore.Config{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    envOr("MINIO_BUCKET", "relief-documents"),
		UseTLS:    os.Getenv("MINIO_USE_TLS") == "true",
	})
	if err != nil {
		log.Fatalf("Failed to connect to content store: %v", err)
	}

	recorder := metrics.NewRecorder(
		os.Getenv("INFLUXDB_URL"),
		os.Getenv("INFLUXDB_TOKEN"),
		os.Getenv("INFLUXDB_ORG"),
		os.Getenv("INFLUXDB_BUCKET"),
	)
	defer recorder.Close()

	policyProvider := policy.NewProvider(policy.FromEnv())

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(endpoints, ","),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdClient.Close()

		go func() {
			if err := policy.WatchEtcd(rootCtx, etcdClient, "/reliefchain/policy/", policyProvider); err != nil && rootCtx.Err() == nil {
				log.Printf("policy watch stopped: %v", err)
			}
		}()
	}

	auditLog := audit.NewLog(db)
	claimStore := claims.NewSQLStore(db, auditLog)
	attemptStore := disbursement.NewSQLStore(db, auditLog)
	donationStore := donations.NewSQLStore(db, auditLog)

	ledger := chain.NewNATSAdapter(natsClient, chain.DefaultConfig())

	claimService := claims.NewService(claimStore, policyProvider, natsClient, recorder)
	coordinator := disbursement.NewCoordinator(attemptStore, claimService, ledger, recorder)
	donationService := donations.NewService(donationStore, ledger, redisCache, natsClient, recorder)

	verifier := auth.NewVerifier(jwtSecret, 24*time.Hour)

	srv := newServer(serverDeps{
		claims:        claimService,
		disbursements: coordinator,
		donations:     donationService,
		documents:     docs,
		verifier:      verifier,
		nats:          natsClient,
		db:            db,
	})

	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: srv.router,
	}

	go func() {
		log.Printf("relief api listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	natsClient.Drain()
	natsClient.Close()
	redisCache.Close()
	db.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// gin mode follows GIN_MODE, default release in containers.
func init() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
