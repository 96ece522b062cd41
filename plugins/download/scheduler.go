package download

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util/log"
)

// Default retry cadence for products that are ordered but still staging.
const (
	DefaultWait    = 2 * time.Minute
	DefaultTimeout = 20 * time.Minute
)

// DownloadAll stages every product, retrying the ones a provider reports as
// not yet available. Paths come back in completion order, which is not the
// input order when some products need staging. Products still unavailable at
// the deadline are skipped and logged, not fatal; authentication and
// configuration failures abort the whole batch since retrying cannot fix
// them.
func DownloadAll(ctx context.Context, products []*model.Product, opts *model.DownloadOptions, progress model.ProgressFunc) ([]string, error) {
	wait, timeout := DefaultWait, DefaultTimeout
	if opts != nil && opts.Wait > 0 {
		wait = opts.Wait
	}
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	deadline := time.Now().Add(timeout)

	var paths []string
	pending := append([]*model.Product(nil), products...)

	for len(pending) > 0 {
		var stillPending []*model.Product
		for _, product := range pending {
			path, err := product.Download(ctx, opts, progress)
			switch {
			case err == nil:
				paths = append(paths, path)
			case errs.IsNotAvailable(err):
				level.Info(log.Logger).Log("msg", "product not yet available, will retry", "product", product.ID, "err", err)
				stillPending = append(stillPending, product)
			case errs.IsAuth(err) || errs.IsMisconfigured(err):
				return paths, err
			default:
				level.Warn(log.Logger).Log("msg", "download failed, skipping product", "product", product.ID, "err", err)
			}
		}

		pending = stillPending
		if len(pending) == 0 {
			break
		}
		if time.Now().Add(wait).After(deadline) {
			for _, product := range pending {
				level.Warn(log.Logger).Log("msg", "product never became available before the deadline", "product", product.ID)
			}
			break
		}

		select {
		case <-ctx.Done():
			return paths, ctx.Err()
		case <-time.After(wait):
		}
	}
	return paths, nil
}
