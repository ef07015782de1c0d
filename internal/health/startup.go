// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment of role before the
// process joins the network.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig, role string) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Str(log.FieldRole, role).Msg("running pre-flight startup checks")

	for _, addr := range []struct{ name, value string }{
		{"device.listen", cfg.Device.Listen},
		{"status.listen", cfg.Status.Listen},
	} {
		if err := checkListenAddr(addr.value); err != nil {
			return fmt.Errorf("%s: %w", addr.name, err)
		}
	}

	switch role {
	case config.RoleImgproc:
		if err := checkDataDir(logger, filepath.Dir(cfg.Imgproc.DBPath)); err != nil {
			return fmt.Errorf("image ledger directory: %w", err)
		}
		for _, exe := range []string{cfg.Imgproc.AstrometryExe, cfg.Imgproc.ObsExe} {
			if exe == "" {
				continue
			}
			path, err := exec.LookPath(exe)
			if err != nil {
				return fmt.Errorf("worker executable not found (%s): %w", exe, err)
			}
			logger.Info().Str(log.FieldPath, path).Msg("worker executable available")
		}
	case config.RoleDome:
		if remote := cfg.Dome.Remote; remote != "" {
			if _, ok := cfg.Peers[remote]; !ok {
				return fmt.Errorf("dome.remote %q is not in peers", remote)
			}
		}
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(log.FieldPath, path).Msg("data directory is writable")
	return nil
}
