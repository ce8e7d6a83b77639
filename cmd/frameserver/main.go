// Command frameserver runs the HEVC frame-serving websocket server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"hevcframe/internal/codec"
	"hevcframe/internal/config"
	"hevcframe/internal/session"
	"hevcframe/internal/store"
	"hevcframe/internal/workerpool"
)

const decodeWorkerCount = 4

func main() {
	configPath := flag.String("config", "", "path to server.config.json (defaults to ./server.config.json or $HOME/.hevcframe/server.config.json)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[Main] No .env file found or error loading it (this is optional): %v", err)
	} else {
		log.Println("[Main] Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] Failed to load configuration: %v", err)
	}

	codec.Init()

	st := store.New()
	st.Register("fs", store.NewFsBackend(cfg.LocalPath))
	if cfg.StorageBackend == config.BackendS3 {
		s3Backend, err := store.NewS3Backend(store.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatalf("[Main] Failed to configure S3 backend: %v", err)
		}
		st.Register("s3", s3Backend)
	}

	pool := workerpool.New(decodeWorkerCount)
	defer pool.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[Main] upgrade failed: %v", err)
			return
		}

		transport := session.NewTransport(conn)
		sess := session.New(transport, st, pool, cfg.JPEGQuality)
		defer sess.Close()
		defer transport.Close()

		if err := sess.Run(r.Context()); err != nil {
			log.Printf("[Main] session ended: %v", err)
		}
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("[Main] Listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] ListenAndServe: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[Main] Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}

	log.Println("[Main] Shutdown complete")
}
