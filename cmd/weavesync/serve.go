package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/weavesync/internal/models"
	wsync "github.com/TheMichaelB/weavesync/internal/services/sync"
	"github.com/TheMichaelB/weavesync/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync periodically and stream progress to a host UI",
	Long: `Serve unlocks the account keys, then checks and drains the queue every
--interval. Coordinator events are streamed as JSON over a websocket at
/events. /status answers with the current ledger status, and
/status/{collection} with the status of one collection.`,
	Example: `  weavesync serve --interval 10m
  weavesync serve --listen 127.0.0.1:9000`,
	RunE: runServe,
}

var (
	serveListen     string
	serveInterval   time.Duration
	servePassphrase string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "",
		"Address to listen on (default from bridge.listen)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 15*time.Minute,
		"Time between sync runs")
	serveCmd.Flags().StringVarP(&servePassphrase, "passphrase", "p", "",
		"Account passphrase (will prompt if not configured)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context(), nil)
	defer cancel()
	cmd.SetContext(ctx)

	if err := login(cmd, servePassphrase); err != nil {
		return err
	}

	listen := serveListen
	if listen == "" {
		listen = cfg.Bridge.Listen
	}

	hub := transport.NewEventHub(cfg.Bridge.PingInterval, logger)
	defer hub.Close()

	events, unsubscribe := apiClient.Sync.Subscribe(256)
	defer unsubscribe()
	go forwardEvents(events, hub)

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           newRouter(hub, apiClient.Sync),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	logger.WithField("addr", listener.Addr().String()).Info("Event bridge listening")
	if !jsonOutput {
		printSuccess("Listening on ws://%s/events", listener.Addr())
	}

	err = syncLoop(ctx, serveInterval)

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("Event bridge shutdown failed")
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncLoop checks and drains every interval until ctx ends. A failed run
// is logged and retried on the next tick.
func syncLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		syncOnce(ctx, apiClient.Sync)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type syncRunner interface {
	CheckAll(ctx context.Context) ([]*wsync.CheckResult, error)
	Start(ctx context.Context) error
}

// syncOnce checks every collection and drains the queue. Tasks queued by
// the collections that checked cleanly, or left over from earlier runs,
// are drained even when another collection fails its check.
func syncOnce(ctx context.Context, s syncRunner) {
	if _, err := s.CheckAll(ctx); err != nil {
		logger.WithError(err).WithField("code", models.ErrorCode(err)).Warn("Check failed")
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).WithField("code", models.ErrorCode(err)).Warn("Sync run failed")
	}
}

type statusSource interface {
	Status(ctx context.Context) ([]wsync.CollectionStatus, error)
	Running() bool
}

func newRouter(hub http.Handler, status statusSource) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/events", hub).Methods(http.MethodGet)
	r.HandleFunc("/status", handleStatus(status)).Methods(http.MethodGet)
	r.HandleFunc("/status/{collection}", handleCollectionStatus(status)).Methods(http.MethodGet)
	return r
}

func forwardEvents(events <-chan wsync.Event, hub *transport.EventHub) {
	for e := range events {
		if err := hub.Broadcast(e); err != nil {
			if errors.Is(err, transport.ErrHubClosed) {
				return
			}
			logger.WithError(err).Warn("Failed to broadcast event")
		}
	}
}

func handleStatus(status statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := status.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		body := map[string]interface{}{
			"running":     status.Running(),
			"collections": statuses,
		}
		if apiClient != nil && apiClient.Keyring() != nil {
			body["keyring"] = apiClient.Keyring().Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, body)
	}
}

func handleCollectionStatus(status statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["collection"]

		statuses, err := status.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, st := range statuses {
			if st.Collection == name {
				w.Header().Set("Content-Type", "application/json")
				writeJSON(w, st)
				return
			}
		}
		http.Error(w, "unknown collection: "+name, http.StatusNotFound)
	}
}
