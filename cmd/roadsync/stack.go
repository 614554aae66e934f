package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/blackroad/roadsync/internal/backend"
	"github.com/blackroad/roadsync/internal/backend/crm"
	"github.com/blackroad/roadsync/internal/backend/filestore"
	"github.com/blackroad/roadsync/internal/backend/kvstore"
	"github.com/blackroad/roadsync/internal/config"
	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/health"
	"github.com/blackroad/roadsync/internal/manifest"
)

// stack is everything a command needs wired together: core config, engine,
// the configured adapters in priority order, their health probes, and the
// manifest log.
type stack struct {
	cfg      config.Config
	eng      *fingerprint.Engine
	adapters []backend.Adapter
	probes   []health.Probe
	mlog     *manifest.Log

	closers []func() error
}

// Close releases adapter resources, last-opened first.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func (s *stack) checker() *health.Checker {
	return health.NewChecker(s.eng, 0, s.probes...)
}

// buildStack assembles the full backend stack from config file, flags, and
// ROADSYNC_* environment variables.
func buildStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// Without a CRM endpoint the CRM backend cannot participate. Drop it
	// from the priority list rather than failing every command.
	crmURL := viper.GetString("crm-url")
	if crmURL == "" {
		kept := cfg.Priority[:0]
		for _, name := range cfg.Priority {
			if name != "crm" {
				kept = append(kept, name)
			}
		}
		cfg.Priority = kept
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := fingerprint.New(cfg.AlgorithmChain...)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, eng: eng}
	storeRoot := viper.GetString("store")

	for _, name := range cfg.Priority {
		switch name {
		case "filestore":
			fs, err := filestore.New(name, storeRoot, eng)
			if err != nil {
				return nil, fmt.Errorf("failed to open file store: %w", err)
			}
			s.adapters = append(s.adapters, fs)
			s.probes = append(s.probes, &health.DirProbe{Backend: name, Path: fs.Root()})

		case "kvstore":
			kv, err := kvstore.Open(name, viper.GetString("db"), eng)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to open key-value store: %w", err)
			}
			s.adapters = append(s.adapters, kv)
			s.probes = append(s.probes, &health.PingProbe{Backend: name, Target: kv})
			s.closers = append(s.closers, kv.Close)

		case "crm":
			client, err := crm.New(crm.Config{
				Name:         name,
				BaseURL:      crmURL,
				Token:        viper.GetString("crm-token"),
				ReadAttempts: cfg.ReadAttempts,
			}, eng)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to build CRM client: %w", err)
			}
			s.adapters = append(s.adapters, client)
			s.probes = append(s.probes, &health.HTTPProbe{Backend: name, URL: crmURL + "/records"})

		default:
			s.Close()
			return nil, &config.ConfigurationError{Field: "priority", Reason: fmt.Sprintf("unknown backend %q", name)}
		}
	}

	logPath := viper.GetString("manifest-log")
	if logPath == "" {
		logPath = filepath.Join(storeRoot, "manifests.jsonl")
	}
	mlog, err := manifest.NewLog(logPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open manifest log: %w", err)
	}
	s.mlog = mlog

	return s, nil
}

func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".roadsync", "config.yaml")
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}
