package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hive-corporation/c2sync/internal/adapter/firewall/simulator"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using environment only")
	}
	if level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	token := os.Getenv("SIM_TOKEN")
	if token == "" {
		log.Println("⚠️  SIM_TOKEN not set - auth disabled")
	}

	sim := simulator.New(token, log)

	// Seed the policy the sync job attaches its groups to
	policyID := getEnv("SIM_POLICY_ID", "1")
	var dst []string
	for _, name := range strings.Split(getEnv("SIM_POLICY_DSTADDR", "all"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			dst = append(dst, name)
		}
	}
	sim.AddPolicy(policyID, dst...)
	log.WithFields(logrus.Fields{"policy": policyID, "dstaddr": dst}).Info("✅ Policy seeded")

	addr := getEnv("SIM_LISTEN_ADDR", ":8443")
	srv := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(log, sim),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	certFile, keyFile := os.Getenv("SIM_TLS_CERT"), os.Getenv("SIM_TLS_KEY")

	// Graceful shutdown
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			log.Printf("🚀 FortiGate simulator listening on %s (TLS)", addr)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Printf("🚀 FortiGate simulator listening on %s", addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down simulator...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.WithFields(logrus.Fields{
		"groups":    len(sim.Groups()),
		"addresses": len(sim.Addresses()),
	}).Info("✅ Simulator stopped gracefully")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loggingMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Debugf("→ %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		log.Debugf("← %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}
