package main

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"omapi2c/core"
	"omapi2c/platform/uio"
)

// openUIO maps map0 of the UIO node and serves its interrupt.
func openUIO(ctx context.Context, s *settings, cfg core.Config, logger log.FieldLogger) (*core.Controller, func() error, error) {
	size, err := uio.MapSize(filepath.Base(s.Device), 0)
	if err != nil {
		return nil, nil, err
	}
	dev, err := uio.Open(s.Device, 0, size, logger)
	if err != nil {
		return nil, nil, err
	}
	c, err := core.New(dev, cfg)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	go func() {
		if err := dev.ServeIRQ(ctx, c.HandleIRQ); err != nil {
			logger.WithError(err).Error("interrupt delivery stopped")
		}
	}()
	return c, dev.Close, nil
}
