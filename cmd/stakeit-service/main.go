package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/stakeit/stakeit/internal/archive"
	"github.com/stakeit/stakeit/internal/config"
	"github.com/stakeit/stakeit/internal/finalvote"
	"github.com/stakeit/stakeit/internal/httpserver"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/payments"
	"github.com/stakeit/stakeit/internal/service"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	st := store.NewPGStore(db)

	var notifier notify.Notifier = notify.LogNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka notifier init: %v", err)
		}
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	var gateway payments.Gateway
	if cfg.PaymentGatewayURL != "" {
		gateway, err = payments.NewHTTPGateway(payments.HTTPGatewayConfig{
			BaseURL: cfg.PaymentGatewayURL,
			APIKey:  cfg.PaymentAPIKey,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("payment gateway init: %v", err)
		}
	} else {
		log.Printf("[startup] no payment gateway configured, charges will fail")
		gateway = unavailableGateway{}
	}

	var photos archive.PhotoStore
	if cfg.PhotoBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		photos, err = archive.NewS3PhotoStore(ctx, cfg.PhotoBucket, cfg.PhotoPrefix)
		cancel()
		if err != nil {
			log.Fatalf("photo store init: %v", err)
		}
	}

	var proofs verify.ProofVerifier
	if len(cfg.ProofSigningKey) > 0 {
		proofs, err = verify.NewJWTVerifier(cfg.ProofSigningKey)
		if err != nil {
			log.Fatalf("proof verifier init: %v", err)
		}
	}

	settle := settlement.NewEngine(st, notifier)
	verifier := verify.NewAdapter(st, settle, proofs, notifier)
	finalVotes := finalvote.NewEngine(st, settle)
	svc := service.New(st, gateway, photos, notifier, service.Config{
		ActiveGoalLimit:   cfg.ActiveGoalLimit,
		SimulationEnabled: cfg.SimulationEnabled,
	})
	sim := service.NewSimulator(st, verifier, cfg.SimulationEnabled)
	server := httpserver.New(svc, sim, verifier, finalVotes, st)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("StakeIt service listening on %s (env %s)", cfg.Addr, cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

type unavailableGateway struct{}

func (unavailableGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	return payments.Charge{}, fmt.Errorf("payment gateway not configured")
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
