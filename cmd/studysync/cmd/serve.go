package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/notify"
	syncpkg "github.com/kimhsiao/studysync/internal/sync"
	"github.com/kimhsiao/studysync/internal/sync/scheduler"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync in the background and stream notifications",
	Long: `Run the background scheduler and a local HTTP server.

The scheduler syncs every store periodically, after local edits, and
again with backoff after transient failures. Clients connect to /ws to
receive sync and store update events as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}

			watch := make(map[string]string)
			for _, def := range a.reg.Definitions() {
				if def.Syncable() {
					watch[def.FileName] = def.Name
				}
			}
			sched := scheduler.New(m, &scheduler.Config{
				SyncInterval:  a.cfg.SyncInterval,
				RetryInterval: a.cfg.RetryInterval,
				WatchDir:      a.cfg.DataDir,
				WatchFiles:    watch,
				WatchRate:     a.cfg.WatchRate,
				SyncOnStart:   true,
			})
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           newServeMux(m, sched, a.hub),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logging.Info("listening", map[string]interface{}{"addr": listenAddr})
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return errors.Wrap(errors.ErrInternal, "http server failed", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	},
}

// newServeMux wires the local API.
func newServeMux(m *syncpkg.Manager, sched *scheduler.Scheduler, hub *notify.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "studysync"})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		stores, err := m.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stores":    stores,
			"scheduler": sched.GetStatus(),
		})
	})

	// POST /api/sync?store=bookmarks starts a pass in the background. Without
	// a store every store is synced.
	mux.HandleFunc("POST /api/sync", func(w http.ResponseWriter, r *http.Request) {
		store := r.URL.Query().Get("store")
		if store == "" {
			sched.TriggerSyncAll(context.WithoutCancel(r.Context()))
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
			return
		}
		if _, err := m.Accessor(store); err != nil {
			writeError(w, err)
			return
		}
		started := sched.TriggerSync(context.WithoutCancel(r.Context()), store)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"store": store, "started": started})
	})

	mux.HandleFunc("POST /api/online", func(w http.ResponseWriter, r *http.Request) {
		online, err := strconv.ParseBool(r.URL.Query().Get("value"))
		if err != nil {
			writeError(w, errors.New(errors.ErrInvalid, "value must be true or false"))
			return
		}
		sched.SetOnlineStatus(online)
		writeJSON(w, http.StatusOK, map[string]interface{}{"online": online})
	})

	mux.HandleFunc("/ws", handleWebSocket(hub))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrNotReady, errors.ErrProviderUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrSyncInProgress:
		status = http.StatusConflict
	}
	msg := errors.UserMessage(err)
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]interface{}{
		"code":    errors.CodeOf(err),
		"message": msg,
	})
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", cfg.ListenAddr, "address of the local API")

	rootCmd.AddCommand(serveCmd)
}
