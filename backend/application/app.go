package application

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"iptvscan/backend/config"
	"iptvscan/backend/logger"
	iptvscan "iptvscan/backend/scanner/iptv"

	"github.com/fasnow/goproxy"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yitter/idgenerator-go/idgen"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const Version = "1.2.0"

const (
	configFileName       = "config.yaml"
	legacyConfigFileName = "config.ini"
	defaultAppDirName    = ".iptvscan"
)

func init() {
	ini.PrettyFormat = false
	// WorkerId 为 1，单机运行足够
	idgen.SetIdGenerator(idgen.NewIdGeneratorOptions(1))
}

var iniOptions = ini.LoadOptions{
	SkipUnrecognizableLines:  true, //跳过无法识别的行
	SpaceBeforeInlineComment: true,
	AllowShadows:             true,
}

func defaultConfig(appDir string) *config.Config {
	return &config.Config{
		Version:    Version,
		LogDataDir: filepath.Join(appDir, "data", "log"),
		Timeout:    20 * time.Second,
		Proxy: config.Proxy{
			Enable: false,
			Type:   "http",
			Host:   "127.0.0.1",
			Port:   "8080",
		},
		Scan: config.Scan{
			Timeout:          5 * time.Second,
			BatchSize:        10000,
			MaxCandidates:    5_000_000,
			QueueSize:        10000,
			EnableRetry:      false,
			LoopRetry:        false,
			RetryInterval:    5 * time.Second,
			RetryMaxInterval: time.Minute,
			DefaultScheme:    "http",
		},
		Probe: config.Probe{
			ReadBytes:        iptvscan.DefaultReadBytes,
			DetectResolution: true,
		},
	}
}

type Application struct {
	Config       *config.Config
	ConfigFile   string
	AppDir       string
	http         *http.Client
	ProxyManager *goproxy.GoProxy
	Logger       *logrus.Logger
}

// NewApp loads (or creates) the config under appDir. An empty appDir means
// ~/.iptvscan, falling back to the executable's directory.
func NewApp(appDir string) (*Application, error) {
	app := &Application{
		Config:       &config.Config{},
		ProxyManager: goproxy.New(),
		AppDir:       appDir,
	}
	app.ProxyManager.AutoSetUserAgent(true)
	_ = app.ProxyManager.SetProxy("")
	if err := app.init(); err != nil {
		return nil, err
	}
	app.http = app.ProxyManager.GetClient()
	return app, nil
}

func (r *Application) init() error {
	if r.AppDir == "" {
		r.AppDir = filepath.Dir(os.Args[0])
		if home, err := os.UserHomeDir(); err == nil {
			r.AppDir = filepath.Join(home, defaultAppDirName)
		}
	}
	r.ConfigFile = filepath.Join(r.AppDir, configFileName)
	if fileExist(r.ConfigFile) {
		return r.loadConfigFile()
	}
	if fileExist(filepath.Join(r.AppDir, legacyConfigFileName)) {
		return r.transformConfigFile()
	}
	return r.generateConfigFile()
}

// transformConfigFile migrates a legacy ini config to yaml.
func (r *Application) transformConfigFile() error {
	legacy := filepath.Join(r.AppDir, legacyConfigFileName)
	cfg, err := ini.LoadSources(iniOptions, legacy)
	if err != nil {
		return errors.Wrap(err, "can't open config file")
	}
	if err = cfg.MapTo(r.Config); err != nil {
		return errors.Wrap(err, "can't map to config file")
	}
	if err := r.WriteConfig(r.Config); err != nil {
		return err
	}
	r.Logger = logger.NewWithLogDir(r.Config.LogDataDir)
	if err := os.Remove(legacy); err != nil {
		r.Logger.Error(err)
	}
	return r.loadConfigFile()
}

func (r *Application) loadConfigFile() error {
	readData, err := os.ReadFile(r.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "can't read config file")
	}
	if err := yaml.Unmarshal(readData, r.Config); err != nil {
		return errors.Wrap(err, "can't parse config file")
	}
	defaults := defaultConfig(r.AppDir)
	var needUpdate = false
	if r.Config.LogDataDir == "" {
		r.Config.LogDataDir = defaults.LogDataDir
		needUpdate = true
	}
	r.Logger = logger.NewWithLogDir(r.Config.LogDataDir)
	if r.Config.Timeout <= 0 {
		r.Config.Timeout = defaults.Timeout
		needUpdate = true
	}
	if r.Config.Proxy.Type == "" {
		r.Config.Proxy.Type = defaults.Proxy.Type
		needUpdate = true
	}
	scan := &r.Config.Scan
	if scan.Timeout <= 0 {
		scan.Timeout = defaults.Scan.Timeout
		needUpdate = true
	}
	if scan.BatchSize <= 0 {
		scan.BatchSize = defaults.Scan.BatchSize
		needUpdate = true
	}
	if scan.MaxCandidates <= 0 {
		scan.MaxCandidates = defaults.Scan.MaxCandidates
		needUpdate = true
	}
	if scan.QueueSize <= 0 {
		scan.QueueSize = defaults.Scan.QueueSize
		needUpdate = true
	}
	if scan.RetryInterval <= 0 {
		scan.RetryInterval = defaults.Scan.RetryInterval
		needUpdate = true
	}
	if scan.RetryMaxInterval <= 0 {
		scan.RetryMaxInterval = defaults.Scan.RetryMaxInterval
		needUpdate = true
	}
	if scan.DefaultScheme == "" {
		scan.DefaultScheme = defaults.Scan.DefaultScheme
		needUpdate = true
	}
	if r.Config.Probe.ReadBytes <= 0 {
		r.Config.Probe.ReadBytes = defaults.Probe.ReadBytes
		needUpdate = true
	}

	currentVersion, _ := version.NewVersion(Version)
	configFileVersion, err := version.NewVersion(r.Config.Version)
	if err != nil || currentVersion.GreaterThan(configFileVersion) {
		r.Logger.Infof("config version %q upgraded to %s", r.Config.Version, Version)
		r.Config.Version = Version
		needUpdate = true
	}

	if needUpdate {
		if err := r.WriteConfig(r.Config); err != nil {
			r.Logger.Error(err)
		}
	}

	r.applyProxy()
	//超时
	r.ProxyManager.SetTimeout(r.Config.Timeout)
	r.Logger.Info(fmt.Sprintf("set global timeout %fs", r.ProxyManager.GetClient().Timeout.Seconds()))
	return nil
}

func (r *Application) generateConfigFile() error {
	r.Config = defaultConfig(r.AppDir)
	r.Logger = logger.NewWithLogDir(r.Config.LogDataDir)
	r.Logger.Info("config file not found, generating default config file...")

	if err := r.WriteConfig(r.Config); err != nil {
		return errors.Wrap(err, "can't generate default config file")
	}
	r.Logger.Info("generate default config file successfully, locate at " + r.ConfigFile + ", run with default config")

	r.ProxyManager.SetTimeout(r.Config.Timeout)
	r.Logger.Info(fmt.Sprintf("set timeout %fs", r.ProxyManager.GetClient().Timeout.Seconds()))
	return nil
}

func (r *Application) applyProxy() {
	if !r.Config.Proxy.Enable {
		if err := r.ProxyManager.SetProxy(""); err != nil {
			r.Logger.Error("reset global proxy error: " + err.Error())
		}
		r.Logger.Info("global proxy disabled")
		return
	}
	if err := r.ProxyManager.SetProxy(proxyURL(r.Config.Proxy)); err != nil {
		r.Logger.Error("set global proxy error: " + err.Error())
		return
	}
	r.Logger.Info("global proxy enabled on " + r.ProxyManager.String())
}

func proxyURL(p config.Proxy) string {
	if p.User != "" && p.Pass != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%s", p.Type, p.User, p.Pass, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%s", p.Type, p.Host, p.Port)
}

// HTTPClient returns the shared client; it honours the configured proxy.
func (r *Application) HTTPClient() *http.Client {
	if r.http == nil {
		r.http = r.ProxyManager.GetClient()
	}
	return r.http
}

func (r *Application) ProxyEnabled() bool {
	return r.Config.Proxy.Enable
}

func (r *Application) SaveProxy(proxy config.Proxy) error {
	r.Config.Proxy = proxy
	if err := r.WriteConfig(r.Config); err != nil {
		r.Logger.Info("can't store global proxy to file")
		return err
	}
	r.applyProxy()
	r.http = r.ProxyManager.GetClient()
	return nil
}

func (r *Application) SaveTimeout(timeout time.Duration) error {
	r.Config.Timeout = timeout
	if err := r.WriteConfig(r.Config); err != nil {
		r.Logger.Info(err)
		return err
	}
	r.ProxyManager.SetTimeout(timeout)
	return nil
}

func (r *Application) SaveScan(scan config.Scan) error {
	r.Config.Scan = scan
	return r.WriteConfig(r.Config)
}

func (r *Application) SaveProbe(probe config.Probe) error {
	r.Config.Probe = probe
	return r.WriteConfig(r.Config)
}

func (r *Application) WriteConfig(conf *config.Config) error {
	bytes, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.ConfigFile), 0755); err != nil {
		return errors.Wrap(err, "can't create config dir")
	}
	return os.WriteFile(r.ConfigFile, bytes, 0644)
}

func fileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
