package request

import (
	"context"
	"log/slog"

	"github.com/keboola/go-requestr/pkg/artifact"
	"github.com/keboola/go-requestr/pkg/continuation"
	"github.com/keboola/go-requestr/pkg/scope"
)

// Download seals the request, starts the transport operation and returns a future of the downloaded artifact.
//
// The body is stored by the transport to a scratch file. Before the future resolves, on the transport goroutine,
// the scratch file is moved to a new private temporary directory, under the Spec.Filename.
// The directory is removed by Downloaded.Close.
//
// A non-2xx status code is not an error, use Downloaded.CheckStatus.
// If nobody receives the artifact, for example the future was cancelled, the artifact is removed.
func (r Request) Download(ctx context.Context) *continuation.Future[*Downloaded] {
	spec, err := r.seal()
	if err != nil {
		return continuation.Failed[*Downloaded](err)
	}

	ctx, tc := r.startTrace(ctx, spec)
	logger := r.logger
	awaiter, completion := continuation.NewWithDiscard(func(d *Downloaded) {
		if d == nil {
			return
		}
		if err := d.Close(); err != nil {
			logger.Error("cannot remove discarded artifact", slog.String("url", spec.RawURL()), slog.Any("error", err))
		}
	})
	sink := func(s *scope.Active, result FileResult, err error) {
		s.Check()
		var d *Downloaded
		if err == nil {
			// The scratch file is valid only until the sink returns, so it is moved before the delivery.
			var dir *artifact.Dir
			if dir, err = artifact.Adopt(result.ScratchPath, spec.Filename()); err == nil {
				d = newDownloaded(result, dir, logger)
				if tc != nil && tc.ArtifactAdopted != nil {
					tc.ArtifactAdopted(d.CopyPath())
				}
			}
		}
		if !completion.Complete(d, platformError(err)) {
			r.lateDelivery(tc, spec, err)
		}
	}

	// Setup phase, the scope never crosses the await
	handle, err := scope.Eval(func(s *scope.Active) (Handle, error) {
		return r.transport.StartDownload(ctx, s, spec, sink)
	})
	if err != nil {
		awaiter.Drop()
		err = platformError(err)
		if tc != nil && tc.RequestProcessed != nil {
			tc.RequestProcessed(nil, err)
		}
		return continuation.Failed[*Downloaded](err)
	}
	awaiter.Accept(newCancelGuard(handle, tc))

	// Async phase
	return continuation.Then(awaiter, func(d *Downloaded, err error) (*Downloaded, error) {
		if tc != nil && tc.RequestProcessed != nil {
			tc.RequestProcessed(d, err)
		}
		return d, err
	}).MapError(cancelledError)
}

// DownloadAndWait is a shortcut for Download and Future.Await.
func (r Request) DownloadAndWait(ctx context.Context) (*Downloaded, error) {
	return r.Download(ctx).Await(ctx)
}
