// Package daemon wires the panel client, log pipeline, guard and stream
// manager into one runnable instance. The CLI builds a fresh instance on
// every config reload.
package daemon

import (
	"context"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/geoip"
	"github.com/Mtoly/XrayIPGuard/common/isp"
	"github.com/Mtoly/XrayIPGuard/common/logparser"
	"github.com/Mtoly/XrayIPGuard/common/punish"
	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/common/tracker"
	"github.com/Mtoly/XrayIPGuard/config"
	"github.com/Mtoly/XrayIPGuard/panel"
	"github.com/Mtoly/XrayIPGuard/service/guard"
	"github.com/Mtoly/XrayIPGuard/service/stream"
)

// Durable file names under storage.data_dir.
const (
	DisabledFile   = "disabled_users.json"
	ViolationsFile = "violations.json"
	WarningsFile   = "warnings.json"
	GroupsFile     = "group_backup.json"
)

type Daemon struct {
	cfg     *config.Config
	client  *panel.Client
	guard   *guard.Guard
	streams *stream.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config) *Daemon {
	client := panel.New(cfg.Panel)
	table := tracker.New()

	var resolver logparser.CountryResolver
	if cfg.CountryFilter() != "" {
		resolver = geoip.New(cfg.Storage.Redis)
	}
	parser := logparser.New(table, logparser.Config{
		CDNInbounds: cfg.CDNInbounds,
		UseXFF:      cfg.CDNUseXFF,
		CountryCode: cfg.CountryFilter(),
		Resolver:    resolver,
	})

	dataDir := cfg.Storage.DataDir
	disabled := storage.NewDisabledStore(filepath.Join(dataDir, DisabledFile))
	groups := storage.NewGroupBackupStore(filepath.Join(dataDir, GroupsFile))
	engine := punish.New(cfg.Punishment, filepath.Join(dataDir, ViolationsFile))

	var ispClient guard.ISPLookup
	if cfg.API.IPInfoToken != "" || cfg.API.UseFallbackISPAPI {
		ispClient = isp.New(cfg.API)
	}

	g := guard.New(guard.Options{
		Config:       cfg,
		Panel:        client,
		Table:        table,
		Engine:       engine,
		Disabled:     disabled,
		Groups:       groups,
		ISP:          ispClient,
		WarningsPath: filepath.Join(dataDir, WarningsFile),
	})

	return &Daemon{
		cfg:     cfg,
		client:  client,
		guard:   g,
		streams: stream.New(client, parser),
	}
}

// Guard exposes the evaluator for the admin surface.
func (d *Daemon) Guard() *guard.Guard { return d.guard }

// Start launches the stream manager and the guard loop.
func (d *Daemon) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.streams.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.guard.Run(ctx)
	}()

	log.WithFields(log.Fields{
		"panel":          d.cfg.Panel.Domain,
		"general_limit":  d.cfg.Limits.General,
		"check_interval": d.cfg.Timing.CheckInterval,
		"disable_method": d.cfg.DisableMethod,
	}).Info("XrayIPGuard started")
}

// Close stops every task and waits for them to observe cancellation.
func (d *Daemon) Close() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.cancel = nil
	log.Info("XrayIPGuard stopped")
}
