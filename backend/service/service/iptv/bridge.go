package iptv

import (
	"strings"

	"iptvscan/backend/application"
	"iptvscan/backend/config"
	"iptvscan/backend/constant/event"
	iptvscan "iptvscan/backend/scanner/iptv"
	"iptvscan/backend/streamsig"
)

// Bridge wires the scan engine, prober and manager from application config.
type Bridge struct {
	app     *application.Application
	engine  *iptvscan.Engine
	manager *Manager
}

func NewBridge(app *application.Application, model ChannelModel) (*Bridge, error) {
	if model == nil {
		model = NewMemoryModel()
	}
	prober := newProber(app)
	engine := iptvscan.NewEngine(prober, defaultOptionsFromConfig(app.Config.Scan), app.Logger)
	if err := engine.SetExclude(app.Config.Scan.Exclude); err != nil {
		return nil, err
	}
	return &Bridge{
		app:     app,
		engine:  engine,
		manager: NewManager(engine, model, event.Default(), app.Logger, retryConfigFromConfig(app.Config.Scan)),
	}, nil
}

func newProber(app *application.Application) *iptvscan.StreamProber {
	cfg := app.Config.Probe
	opts := iptvscan.ProberOptions{
		UserAgent:          cfg.UserAgent,
		Referer:            cfg.Referer,
		ReadBytes:          cfg.ReadBytes,
		QuickCheck:         cfg.QuickCheck,
		DefaultScheme:      app.Config.Scan.DefaultScheme,
		MulticastInterface: cfg.MulticastInterface,
		DetectResolution:   cfg.DetectResolution,
		Resolver:           iptvscan.NewResolver(app.Config.DNS.Value),
		Logger:             app.Logger,
	}
	if app.ProxyEnabled() {
		opts.HTTPClient = app.HTTPClient()
	}
	if cfg.DetectResolution {
		ff, err := iptvscan.NewFFprobe(cfg.FFprobePath, cfg.FFprobeFlags)
		if err != nil {
			app.Logger.WithError(err).Warn("resolution detection disabled")
		} else {
			opts.FFprobe = ff
		}
	}
	if path := strings.TrimSpace(cfg.SignatureFile); path != "" {
		rules, err := streamsig.LoadRuleSet(path)
		if err != nil {
			app.Logger.WithError(err).Warn("load stream signatures failed, using built-in rules")
		} else {
			opts.Rules = rules
		}
	}
	return iptvscan.NewStreamProber(opts)
}

func (b *Bridge) Manager() *Manager { return b.manager }

func (b *Bridge) StartScan(params ScanParams) (*Task, error) {
	return b.manager.StartScan(params)
}

func (b *Bridge) StartValidation(params ValidateParams) (*Task, error) {
	return b.manager.StartValidation(params)
}

func (b *Bridge) StartRetry(params RetryParams) (*Task, error) {
	return b.manager.StartRetry(params)
}

func (b *Bridge) StopTask(taskID int64) error {
	return b.manager.StopTask(taskID)
}

func (b *Bridge) GetTask(taskID int64) (*Task, error) {
	return b.manager.GetTask(taskID)
}

func (b *Bridge) ListTasks() []*Task {
	return b.manager.ListTasks()
}

func (b *Bridge) Channels() []ChannelRecord {
	return b.manager.Model().Channels()
}

func (b *Bridge) GetDefaults() config.Scan {
	return b.app.Config.Scan
}

func (b *Bridge) SaveDefaults(cfg config.Scan) error {
	if err := b.engine.SetExclude(cfg.Exclude); err != nil {
		return err
	}
	if err := b.app.SaveScan(cfg); err != nil {
		b.app.Logger.Error(err)
		return err
	}
	b.engine.UpdateDefaults(defaultOptionsFromConfig(cfg))
	b.manager.UpdateRetryConfig(retryConfigFromConfig(cfg))
	return nil
}

func defaultOptionsFromConfig(cfg config.Scan) iptvscan.DefaultOptions {
	return iptvscan.DefaultOptions{
		Workers:       cfg.Workers,
		Timeout:       cfg.Timeout,
		BatchSize:     cfg.BatchSize,
		MaxCandidates: cfg.MaxCandidates,
		QueueSize:     cfg.QueueSize,
		MaxPPS:        cfg.MaxPPS,
		PerHostMaxPPS: cfg.PerHostMaxPPS,
	}
}

func retryConfigFromConfig(cfg config.Scan) RetryConfig {
	return RetryConfig{
		Enable:      cfg.EnableRetry,
		Loop:        cfg.LoopRetry,
		Interval:    cfg.RetryInterval,
		MaxInterval: cfg.RetryMaxInterval,
	}
}
