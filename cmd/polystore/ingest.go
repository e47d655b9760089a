package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

const (
	objectCollection    = "objects"
	defaultIngestMaxLen = 64 << 20
)

// objectMeta is the record written to every record backend for an ingested
// object.
type objectMeta struct {
	Object string    `json:"object"`
	Source string    `json:"source"`
	Size   int64     `json:"size"`
	Digest string    `json:"digest"`
	Stored time.Time `json:"stored_at"`
}

// runIngest stores every regular file under a directory: the content on the
// blob backend and a metadata record on each record backend, one saga per file.
func runIngest(ctx context.Context, cfg *config.Config, log logger.Logger, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	dir := flags.String("dir", "", "Directory to ingest")
	prefix := flags.String("prefix", "", "Object key prefix")
	maxSize := flags.Int64("max-size", defaultIngestMaxLen, "Skip files larger than this; use transfer for them")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("ingest requires -dir")
	}

	a, err := newApp(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeApp(a, log)

	var defs []*saga.SagaDefinition
	err = filepath.WalkDir(*dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > *maxSize {
			log.Warn("skipping large file", "path", p, "size", info.Size())
			return nil
		}
		rel, err := filepath.Rel(*dir, p)
		if err != nil {
			return err
		}
		def, err := ingestDefinition(cfg.Saga, a.chunks, a.records, p, path.Join(*prefix, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", *dir, err)
	}
	if len(defs) == 0 {
		log.Info("nothing to ingest", "dir", *dir)
		return nil
	}

	res, err := a.batch.ExecuteBatch(ctx, defs)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, res.Summary); err != nil {
		return err
	}
	if !res.AllSucceeded() {
		return fmt.Errorf("%d of %d files were not stored", len(res.Summary.Failures), len(defs))
	}
	return nil
}

// ingestDefinition builds the saga for one file. The blob is written first so
// record backends can carry its digest; every step is undone on failure.
func ingestDefinition(sc config.SagaConfig, chunks backend.ChunkStore, records []recordBackend, src, object string) (*saga.SagaDefinition, error) {
	b := saga.New("ingest:"+object).
		WithTimeout(sc.DefaultTimeout).
		WithDefaultStepTimeout(sc.StepTimeout).
		WithRetryPolicy(retryPolicy(sc.Retry)).
		Step("blob",
			saga.OnBackend(saga.BackendFile),
			saga.Retryable(),
			saga.Action(func(ctx context.Context, _ *saga.StepContext) (any, error) {
				// Never overwrite: compensation would then delete the previous object.
				if _, err := chunks.ReadChunk(ctx, object, 0, 1); err == nil {
					return nil, saga.Permanent(fmt.Errorf("object %s: %w", object, backend.ErrAlreadyExists))
				} else if !errors.Is(err, backend.ErrNotFound) {
					return nil, backendError(err)
				}
				data, err := os.ReadFile(src)
				if err != nil {
					return nil, saga.Permanent(err)
				}
				digest, err := chunks.WriteChunk(ctx, object, 0, data)
				if err != nil {
					return nil, backendError(err)
				}
				return objectMeta{
					Object: object,
					Source: src,
					Size:   int64(len(data)),
					Digest: digest.String(),
					Stored: time.Now().UTC(),
				}, nil
			}),
			saga.Compensate(func(ctx context.Context, _ *saga.CompensationContext) error {
				return chunks.DeleteChunk(ctx, object, 0)
			}),
		)

	for _, rb := range records {
		store := rb.store
		b.Step(string(rb.target),
			saga.OnBackend(rb.target),
			saga.Retryable(),
			saga.Action(func(ctx context.Context, stepCtx *saga.StepContext) (any, error) {
				meta, ok := stepCtx.Results["blob"].(objectMeta)
				if !ok {
					return nil, saga.Permanent(fmt.Errorf("blob step result missing"))
				}
				data, err := json.Marshal(meta)
				if err != nil {
					return nil, saga.Permanent(err)
				}
				rec := backend.Record{
					Collection: objectCollection,
					Key:        object,
					Data:       data,
					Metadata:   map[string]string{"digest": meta.Digest},
				}
				if err := store.Create(ctx, rec); err != nil {
					return nil, backendError(err)
				}
				return nil, nil
			}),
			saga.Compensate(func(ctx context.Context, _ *saga.CompensationContext) error {
				return store.Delete(ctx, objectCollection, object)
			}),
		)
	}
	return b.Build()
}

// backendError marks outages as retryable and everything else as permanent.
func backendError(err error) error {
	if backend.IsUnavailable(err) {
		return saga.Transient(err)
	}
	return saga.Permanent(err)
}
