/*
 * Vitals
 * Copyright (C) 2025  OpenVitals
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package common implements the vitals command line tool: uploading and
// ingesting Apple Health exports, reprocessing stored batches, cancelling
// running imports and inspecting batch state.
package common

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/openvitals/vitals"
	"github.com/openvitals/vitals/lib/archive"
	"github.com/openvitals/vitals/lib/ingest"
	"github.com/openvitals/vitals/lib/storage"
)

type globalFlags struct {
	connString string
	uploadDir  string
	debug      bool
}

// Run executes the vitals CLI with the given arguments.
func Run(args []string) error {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "vitals",
		Short:         "Apple Health export ingestion",
		Version:       vitals.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.connString, "db",
		os.Getenv("VITALS_DB"), "postgres connection string (defaults to $VITALS_DB)")
	root.PersistentFlags().StringVar(&flags.uploadDir, "upload-dir",
		"uploads", "directory stored exports are kept in")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d",
		false, "enable debug logging")

	root.AddCommand(
		newIngestCommand(&flags),
		newReprocessCommand(&flags),
		newCancelCommand(&flags),
		newStatusCommand(&flags),
	)

	root.SetArgs(args)
	return root.Execute()
}

func newIngestCommand(flags *globalFlags) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "ingest <export-file>",
		Short: "Upload and ingest a health export (.xml or .zip)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onIngest(cmd.Context(), flags, userID, args[0])
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "id of the user owning the records")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newReprocessCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <batch-id>",
		Short: "Re-run ingestion for a stored batch after resetting its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onReprocess(cmd.Context(), flags, args[0])
		},
	}
}

func newCancelCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Request cancellation of a running import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onCancel(cmd.Context(), flags, args[0])
		},
	}
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the state and counters of an import batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onStatus(cmd.Context(), flags, args[0])
		},
	}
}

func onIngest(ctx context.Context, flags *globalFlags, userID int64, exportPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(flags.debug)
	batchID := uuid.New()

	f, err := os.Open(exportPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	storedPath, err := archive.StoreUpload(f, flags.uploadDir,
		batchID.String(), filepath.Ext(exportPath), 0)
	f.Close()
	if err != nil {
		return trace.Wrap(err)
	}
	xmlPath, err := archive.Prepare(storedPath)
	if err != nil {
		return trace.Wrap(err)
	}

	store, err := storage.New(ctx, storage.Config{
		ConnString: flags.connString,
		Logger:     log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	if err := store.CreateBatch(ctx, batchID, userID, filepath.Base(exportPath)); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Importing batch %v from %v\n", batchID, exportPath)
	return trace.Wrap(runPipeline(ctx, log, store, userID, batchID, xmlPath))
}

func onReprocess(ctx context.Context, flags *globalFlags, batchArg string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(flags.debug)
	batchID, err := uuid.Parse(batchArg)
	if err != nil {
		return trace.BadParameter("invalid batch id %q: %v", batchArg, err)
	}

	xmlPath, err := archive.Locate(flags.uploadDir, batchID.String())
	if err != nil {
		return trace.Wrap(err)
	}
	if err := archive.VerifyComplete(xmlPath); err != nil {
		return trace.Wrap(err)
	}

	store, err := storage.New(ctx, storage.Config{
		ConnString: flags.connString,
		Logger:     log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := store.ResetBatch(ctx, batchID); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Reprocessing batch %v (%v)\n", batchID, batch.Filename)
	return trace.Wrap(runPipeline(ctx, log, store, batch.UserID, batchID, xmlPath))
}

func onCancel(ctx context.Context, flags *globalFlags, batchArg string) error {
	batchID, err := uuid.Parse(batchArg)
	if err != nil {
		return trace.BadParameter("invalid batch id %q: %v", batchArg, err)
	}
	store, err := storage.New(ctx, storage.Config{
		ConnString: flags.connString,
		Logger:     newLogger(flags.debug),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	if err := store.RequestCancel(ctx, batchID); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Cancellation requested for batch %v\n", batchID)
	return nil
}

func onStatus(ctx context.Context, flags *globalFlags, batchArg string) error {
	batchID, err := uuid.Parse(batchArg)
	if err != nil {
		return trace.BadParameter("invalid batch id %q: %v", batchArg, err)
	}
	store, err := storage.New(ctx, storage.Config{
		ConnString: flags.connString,
		Logger:     newLogger(flags.debug),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Batch:     %v\n", batch.ID)
	fmt.Printf("File:      %v\n", batch.Filename)
	fmt.Printf("Created:   %v\n", batch.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Status:    %v\n", batch.Status)
	fmt.Printf("Processed: %v\n", batch.RecordCount)
	fmt.Printf("Skipped:   %v\n", batch.SkippedCount)
	fmt.Printf("Errors:    %v\n", batch.ErrorCount)
	if batch.ErrorMessages != "" {
		fmt.Printf("Messages:\n%v\n", batch.ErrorMessages)
	}
	return nil
}

func runPipeline(ctx context.Context, log *slog.Logger, store *storage.Store, userID int64, batchID uuid.UUID, xmlPath string) error {
	if err := ingest.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return trace.Wrap(err)
	}
	pipeline, err := ingest.New(ingest.Config{
		Store:   store,
		UserID:  userID,
		BatchID: batchID,
		XMLPath: xmlPath,
		Logger:  log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := pipeline.Run(ctx); err != nil {
		return trace.Wrap(err)
	}
	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Batch %v %v: %v processed, %v skipped, %v errors\n",
		batchID, batch.Status, batch.RecordCount, batch.SkippedCount, batch.ErrorCount)
	return nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
