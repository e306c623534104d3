//go:build !linux

package main

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"omapi2c/core"
)

func openUIO(ctx context.Context, s *settings, cfg core.Config, logger log.FieldLogger) (*core.Controller, func() error, error) {
	return nil, nil, errors.New("uio ports are only available on linux")
}
