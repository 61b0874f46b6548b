package config

import (
	"time"
)

type Proxy struct {
	Enable bool   `ini:"enable" `
	Type   string `ini:"type"  comment:"http,socks5"`
	Host   string `ini:"host" `
	Port   string `ini:"port" `
	User   string `ini:"user" `
	Pass   string `ini:"pass" `
}

type DNS struct {
	Value []string `ini:"value,,allowshadow" comment:"自定义 DNS 服务器，为空时使用系统解析"`
}

type Scan struct {
	Workers          int           `ini:"workers" comment:"并发探测数，0 表示根据 CPU 自动选择"`
	Timeout          time.Duration `ini:"timeout" comment:"单个地址探测超时，默认:5s"`
	BatchSize        int           `ini:"batchSize" comment:"地址展开批大小，默认:10000"`
	MaxCandidates    int           `ini:"maxCandidates" comment:"单次展开地址上限，默认:5000000"`
	QueueSize        int           `ini:"queueSize" comment:"待探测队列长度，默认:10000"`
	MaxPPS           int           `ini:"maxPps" comment:"全局每秒探测上限，0 表示不限"`
	PerHostMaxPPS    int           `ini:"perHostMaxPps" comment:"单主机每秒探测上限，0 表示不限"`
	Exclude          []string      `ini:"exclude,,allowshadow" comment:"排除的地址、网段或范围"`
	EnableRetry      bool          `ini:"enableRetry" comment:"全量扫描结束后自动重试未确认地址"`
	LoopRetry        bool          `ini:"loopRetry" comment:"重试轮次有新发现时继续下一轮"`
	RetryInterval    time.Duration `ini:"retryInterval" comment:"重试轮次初始间隔，默认:5s"`
	RetryMaxInterval time.Duration `ini:"retryMaxInterval" comment:"重试轮次最大间隔，默认:1m"`
	DefaultScheme    string        `ini:"defaultScheme" comment:"无协议地址默认使用的协议，默认:http"`
}

type Probe struct {
	UserAgent          string `ini:"userAgent" `
	Referer            string `ini:"referer" `
	ReadBytes          int    `ini:"readBytes" comment:"HTTP 探测读取字节数，默认:65536"`
	QuickCheck         bool   `ini:"quickCheck" comment:"HTTP 探测前先做 TCP 连通性检查"`
	DetectResolution   bool   `ini:"detectResolution" comment:"调用 ffprobe 获取分辨率与编码"`
	FFprobePath        string `ini:"ffprobePath" comment:"ffprobe 路径，默认在 PATH 中查找"`
	FFprobeFlags       string `ini:"ffprobeFlags" comment:"附加给 ffprobe 的参数"`
	MulticastInterface string `ini:"multicastInterface" comment:"组播加入使用的网卡名称"`
	SignatureFile      string `ini:"signatureFile" comment:"自定义流签名规则文件，为空时使用内置规则"`
}

type Config struct {
	Version    string
	LogDataDir string        `ini:"logDataDir" `
	Timeout    time.Duration `ini:"timeout"  comment:"全局HTTP超时，默认:20s"`
	Proxy      Proxy         `comment:"全局代理"`
	DNS        DNS
	Scan       Scan
	Probe      Probe
}
