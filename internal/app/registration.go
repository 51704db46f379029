package app

import (
	"context"

	"github.com/transfa/settlement-service/pkg/directoryclient"
)

// RegisterWithDirectory announces this bank to the central directory and checks its
// health. Failures are logged and returned; the node keeps serving internal transfers
// either way.
func (s *Service) RegisterWithDirectory(ctx context.Context) (*directoryclient.Bank, error) {
	if s.directory == nil {
		return nil, ErrDirectoryNotConfigured
	}
	reg := directoryclient.Registration{
		Name:    s.settings.BankName,
		Prefix:  s.keys.Prefix(),
		JWKSURL: s.settings.JWKSURL,
		APIURL:  s.settings.BaseURL,
	}
	bank, err := s.directory.RegisterSelf(ctx, reg)
	if err != nil {
		s.logger.Warn("central bank registration failed", "prefix", reg.Prefix, "error", err)
		return nil, err
	}
	s.logger.Info("registered with central bank", "prefix", bank.Prefix, "name", bank.Name, "api_url", bank.APIURL)

	health := s.directory.HealthCheck(ctx)
	if !health.Connected {
		s.logger.Warn("central bank health check failed", "status", health.Status, "error", health.Error)
	} else {
		s.logger.Info("central bank reachable", "status", health.Status, "latency_ms", health.LatencyMs)
	}
	return bank, nil
}

// DirectoryHealth reports whether the central directory is reachable.
func (s *Service) DirectoryHealth(ctx context.Context) directoryclient.Health {
	if s.directory == nil {
		return directoryclient.Health{Status: "unconfigured", Error: "no central directory configured", CheckedAt: s.now()}
	}
	return s.directory.HealthCheck(ctx)
}
