// The transparency service is the public, unauthenticated window into the
// platform: headline stats, per-category pool totals, recent confirmed
// transactions, and the live audit feed over websocket.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/transparency"
	"github.com/reliefchain/engine/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	natsClient, err := messaging.NewClient(os.Getenv("NATS_URL"), messaging.ClientOptions{
		Name:          "relief-transparency",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	redisCache, err := cache.NewRedis(os.Getenv("REDIS_URL"))
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	svc := transparency.NewService(
		transparency.NewSQLStore(db),
		audit.NewLog(db),
		redisCache,
	)

	hub := transparency.NewHub()
	defer hub.Close()

	// Committed audit rows stream straight out to websocket subscribers,
	// masked the same way the paginated feed is.
	err = natsClient.Subscribe(messaging.SubjectAuditAppended, func(msg *nats.Msg) {
		masked, ok := maskPayload(msg.Data)
		if !ok {
			return
		}
		hub.Broadcast(masked)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to audit feed: %v", err)
	}

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "ws_clients": hub.ClientCount()})
	})

	pub := r.Group("/api/v1/public")
	{
		pub.GET("/stats", func(c *gin.Context) {
			stats, err := svc.Stats(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
				return
			}
			c.JSON(http.StatusOK, stats)
		})

		pub.GET("/categories", func(c *gin.Context) {
			totals, err := svc.CategoryTotals(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "totals unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"categories": totals})
		})

		pub.GET("/transactions", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
			txns, err := svc.RecentTransactions(c.Request.Context(), limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "transactions unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"transactions": txns})
		})

		pub.GET("/feed", func(c *gin.Context) {
			after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
			if err != nil || after < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
				return
			}
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

			events, err := svc.Feed(c.Request.Context(), after, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "feed unavailable"})
				return
			}

			next := after
			if len(events) > 0 {
				next = events[len(events)-1].Seq
			}
			c.JSON(http.StatusOK, gin.H{"events": events, "next": next})
		})

		pub.GET("/entities/:id/history", func(c *gin.Context) {
			after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

			events, err := svc.History(c.Request.Context(), c.Param("id"), after, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"events": events})
		})
	}

	r.GET("/ws", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request)
	})

	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.Printf("transparency service listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	natsClient.Drain()
}
