package app

import (
	"context"
	"encoding/json"
	"errors"

	"campaign-loop/internal/archive"
)

// Archive copies a ledger window to object storage.
func (a *App) Archive(ctx context.Context, opts ArchiveOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("from must be before to")
	}

	rt, err := a.persistent(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ac := a.Config.Archive
	s3opts := archive.Options{
		Bucket:   ac.Bucket,
		Prefix:   ac.Prefix,
		Region:   ac.Region,
		Endpoint: ac.Endpoint,
		Compress: ac.Compress,
	}
	client, err := archive.NewS3Client(ctx, s3opts)
	if err != nil {
		return err
	}
	return a.archiveTo(ctx, client, rt, s3opts, opts)
}

func (a *App) archiveTo(ctx context.Context, putter archive.Putter, rt *runtime, s3opts archive.Options, opts ArchiveOptions) error {
	archiver, err := archive.New(putter, rt.ledger, s3opts, a.Logger)
	if err != nil {
		return err
	}
	result, err := archiver.Archive(ctx, opts.From, opts.To)
	if errors.Is(err, archive.ErrNothingToArchive) {
		a.Logger.Info().Time("from", opts.From).Time("to", opts.To).Msg("no ledger entries in archive window")
		return nil
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(a.Out).Encode(result)
}
