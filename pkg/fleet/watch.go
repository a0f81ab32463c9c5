package fleet

import (
	"context"

	pkgerrors "github.com/pkg/errors"

	"github.com/itohio/rfatt/pkg/calibration"
)

// WatchCalibrations reloads device tables as soon as their files change in
// the calibration directory. It blocks until ctx is done.
func (c *Controller) WatchCalibrations(ctx context.Context) error {
	w, err := calibration.NewWatcher(c.opts.CalibrationDir)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to watch calibration directory %s", c.opts.CalibrationDir)
	}
	defer w.Close()

	w.Run(ctx, c.reloadSource)
	return nil
}
