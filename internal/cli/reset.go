package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/guardian/internal/control"
	"github.com/vietddude/guardian/internal/infra/storage"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the persisted session, retry queue and crash reports",
	Run:   runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.KV.Close()
	}()

	n, err := resetState(ctx, store.KV)
	if err != nil {
		slog.Error("Failed to reset state", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d persisted entries from %s storage\n", n, cfg.Storage.Driver)
}

// resetState deletes everything the agent restores on startup.
func resetState(ctx context.Context, kv storage.KV) (int, error) {
	removed := 0
	for _, key := range []string{storage.KeySession, storage.KeyRetryQueue} {
		if _, err := kv.Get(ctx, key); err == nil {
			removed++
		}
		if err := kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	n, err := storage.DeletePrefix(ctx, kv, storage.PrefixCrash)
	if err != nil {
		return removed, err
	}
	return removed + n, nil
}
