package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/transfer"
)

const progressLogInterval = 2 * time.Second

// runTransfer copies a local file to the blob backend. On interrupt the
// transfer is paused with its committed chunks kept, ready for resume.
func runTransfer(ctx context.Context, cfg *config.Config, log logger.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
	src := fs.String("src", "", "Local file to transfer")
	object := fs.String("object", "", "Destination object key")
	chunkSize := fs.Int64("chunk-size", 0, "Chunk size in bytes (0 uses the configured policy)")
	id := fs.String("id", "", "Operation ID (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *src == "" || *object == "" {
		return errors.New("transfer requires -src and -object")
	}

	a, err := newApp(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeApp(a, log)

	source, err := transfer.OpenFile(*src)
	if err != nil {
		return err
	}
	defer source.Close()

	var opts []transfer.BeginOption
	if *id != "" {
		opts = append(opts, transfer.WithOperationID(*id))
	}
	opID, err := a.transfer.BeginTransfer(context.WithoutCancel(ctx), source, *object, *chunkSize, opts...)
	if err != nil {
		return err
	}
	log.Info("transfer started", "operation_id", opID, "source", source.URI(), "object", *object)
	return follow(ctx, a.transfer, log, opID, stdout)
}

// runResume continues a transfer recorded in the progress store.
func runResume(ctx context.Context, cfg *config.Config, log logger.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	id := fs.String("id", "", "Operation ID to resume")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("resume requires -id")
	}

	a, err := newApp(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeApp(a, log)

	if err := a.transfer.StartResume(context.WithoutCancel(ctx), *id); err != nil {
		return err
	}
	return follow(ctx, a.transfer, log, *id, stdout)
}

// follow logs progress until the transfer finishes and prints the final
// snapshot. If ctx ends first the transfer is paused.
func follow(ctx context.Context, m *transfer.Manager, log logger.Logger, id string, stdout io.Writer) error {
	done := make(chan error, 1)
	go func() {
		_, err := m.Wait(context.Background(), id)
		done <- err
	}()

	ticker := time.NewTicker(progressLogInterval)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			if p, err := m.GetProgress(ctx, id); err == nil {
				log.Info("transfer progress",
					"operation_id", id,
					"status", p.Status,
					"percent", fmt.Sprintf("%.1f", p.Percent()),
					"bytes_per_second", int64(p.BytesPerSecond),
				)
			}
		case <-ctx.Done():
			log.Warn("interrupted, pausing transfer", "operation_id", id)
			if err := m.Cancel(context.Background(), id, transfer.CancelOptions{RetainPartial: true}); err != nil &&
				!errors.Is(err, transfer.ErrTransferTerminal) {
				log.Error("pause failed", "operation_id", id, "error", err)
			}
			waitErr = <-done
			break loop
		}
	}

	p, err := m.GetProgress(context.Background(), id)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, p); err != nil {
		return err
	}
	if p.Status == transfer.StatusPaused {
		log.Info("transfer paused", "operation_id", id, "resume_with", "polystore resume -id "+id)
		return nil
	}
	return waitErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func closeApp(a *app, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Error("error closing resources", "error", err)
	}
}
