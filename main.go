package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"iptvscan/backend/application"
	"iptvscan/backend/constant/event"
	"iptvscan/backend/constant/status"
	iptvscan "iptvscan/backend/scanner/iptv"
	"iptvscan/backend/service/service/iptv"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

func main() {
	configDir := flag.String("config", "", "config directory (default ~/.iptvscan)")
	rangeExpr := flag.String("range", "", "address range expression, e.g. http://10.0.0.[1-254]:8080/live.ts")
	validate := flag.String("validate", "", "comma separated channel urls to validate")
	target := flag.String("target", "", "scan target name")
	appendMode := flag.Bool("append", false, "append to the channel list instead of starting over")
	workers := flag.Int("workers", 0, "concurrent probes (0 uses config)")
	timeout := flag.Duration("timeout", 0, "per-candidate timeout (0 uses config)")
	retry := flag.Bool("retry", false, "retry unconfirmed candidates after the scan")
	loop := flag.Bool("loop", false, "keep retrying while a round finds new channels")
	jsonOut := flag.Bool("json", false, "print events as json lines")
	flag.Parse()

	if (*rangeExpr == "") == (*validate == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of -range or -validate is required")
		flag.Usage()
		os.Exit(2)
	}

	app, err := application.NewApp(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	model := iptv.NewMemoryModel()
	for _, u := range strings.Split(*validate, ",") {
		if u = strings.TrimSpace(u); u != "" {
			model.AddChannel(iptv.ChannelRecord{URL: u})
		}
	}

	bridge, err := iptv.NewBridge(app, model)
	if err != nil {
		app.Logger.WithError(err).Error("init scanner failed")
		os.Exit(1)
	}
	retryCfg := iptv.RetryConfig{
		Loop:        *loop || app.Config.Scan.LoopRetry,
		Interval:    app.Config.Scan.RetryInterval,
		MaxInterval: app.Config.Scan.RetryMaxInterval,
	}
	bridge.Manager().UpdateRetryConfig(retryCfg)

	subID, envelopes := event.Default().Subscribe(1024)
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		printEvents(app.Logger, envelopes, *jsonOut)
	}()

	var current sync.Map // int64 task id -> struct{}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigs {
			app.Logger.Info("interrupt received, stopping")
			current.Range(func(key, _ any) bool {
				_ = bridge.StopTask(key.(int64))
				return true
			})
		}
	}()

	run := func(task *iptv.Task, err error) *iptv.Task {
		if err != nil {
			app.Logger.WithError(err).Error("start task failed")
			event.Default().Unsubscribe(subID)
			printer.Wait()
			os.Exit(1)
		}
		current.Store(task.ID, struct{}{})
		_ = bridge.Manager().Wait(context.Background(), task.ID)
		current.Delete(task.ID)
		done, _ := bridge.GetTask(task.ID)
		return done
	}

	var last *iptv.Task
	if *validate != "" {
		last = run(bridge.StartValidation(iptv.ValidateParams{Target: *target, Workers: *workers, Timeout: *timeout}))
	} else {
		mode := iptvscan.ModeFull
		if *appendMode {
			mode = iptvscan.ModeAppend
		}
		last = run(bridge.StartScan(iptv.ScanParams{
			Target:  *target,
			Expr:    *rangeExpr,
			Mode:    mode,
			Workers: *workers,
			Timeout: *timeout,
		}))
		if last.Status == status.OK && (*retry || app.Config.Scan.EnableRetry) {
			last = run(bridge.StartRetry(iptv.RetryParams{
				Target:  *target,
				Loop:    retryCfg.Loop,
				Workers: *workers,
				Timeout: *timeout,
			}))
		}
	}
	signal.Stop(sigs)

	// let the last batches reach the printer
	time.Sleep(50 * time.Millisecond)
	event.Default().Unsubscribe(subID)
	printer.Wait()

	channels := bridge.Channels()
	valid := 0
	for _, ch := range channels {
		if ch.Valid {
			valid++
		}
	}
	app.Logger.WithFields(logrus.Fields{
		"status":  status.Name(last.Status),
		"total":   last.Stats.Total,
		"valid":   last.Stats.Valid,
		"invalid": last.Stats.Invalid,
		"elapsed": last.Stats.Elapsed.Round(time.Millisecond),
	}).Info("task finished")
	app.Logger.Infof("%d of %d channels valid", valid, len(channels))
}

func printEvents(logger *logrus.Logger, envelopes <-chan event.Envelope, asJSON bool) {
	enc := json.NewEncoder(os.Stdout)
	for env := range envelopes {
		if env.Name != event.ChannelFound {
			continue
		}
		batch, ok := env.Detail.Data.([]iptv.ChannelRecord)
		if !ok {
			continue
		}
		for _, rec := range batch {
			if asJSON {
				if err := enc.Encode(rec); err != nil {
					logger.WithError(err).Warn("encode channel failed")
				}
				continue
			}
			logger.WithFields(logrus.Fields{
				"name":       rec.Name,
				"group":      rec.Group,
				"latency":    rec.LatencyMs,
				"resolution": rec.Resolution,
				"format":     rec.Format,
			}).Info("found " + rec.URL)
		}
	}
}
