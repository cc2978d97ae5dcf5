// cmd_serve.go - serve command
// Main function: RunServer
package cmd

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ignite-run/ignite/envconfig"
	"github.com/ignite-run/ignite/httpapi"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/registry"
	"github.com/ignite-run/ignite/store"
)

// RunServer starts the HTTP API over envconfig.ModelsDir, the same
// net.Listen+Serve shape as the teacher's own RunServer.
func RunServer(_ *cobra.Command, _ []string) error {
	modelsDir := envconfig.ModelsDir()
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return err
	}

	storage, err := registry.OpenSQLiteStorage(filepath.Join(modelsDir, "adapters.db"))
	if err != nil {
		slog.Warn("adapter registry unavailable, serving without it", "error", err)
	}

	var reg *registry.Registry
	var mgr *lora.Manager
	if storage != nil {
		reg = registry.New(storage, int(envconfig.AdapterCacheSize()))
		mgr = lora.NewManager(store.DiskAdapterLoader{}, 0, 2, lora.StackOptions{Strategy: lora.MergeWeightedSum, NormalizeWeights: true})
	}

	s := httpapi.New(modelsDir, reg, mgr)

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = httpapi.Serve(ln, s)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ignite HTTP API",
		Args:  cobra.ExactArgs(0),
		RunE:  RunServer,
	}
}
