package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 注册中心配置
	Hub struct {
		ListenAddress     string        `mapstructure:"listen_address"`
		Port              int           `mapstructure:"port"`
		Tokens            []string      `mapstructure:"tokens"`
		AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
		// AdvertiseAddress 发布到etcd的地址，为空时使用主机名
		AdvertiseAddress string `mapstructure:"advertise_address"`
	} `mapstructure:"hub"`

	// 工作节点配置
	Master struct {
		// host:port 列表
		Registers []string `mapstructure:"registers"`

		// 0 表示不限次数
		RetryAttempts    int           `mapstructure:"retry_attempts"`
		RetryDelay       time.Duration `mapstructure:"retry_delay"`
		ReconnectOnClose bool          `mapstructure:"reconnect_on_close"`
		Token            string        `mapstructure:"token"`
		FollowTopology   bool          `mapstructure:"follow_topology"`
	} `mapstructure:"master"`

	// 管理API配置
	Admin struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"admin"`

	// 注册中心发现配置
	Discovery struct {
		Etcd struct {
			Enabled     bool          `mapstructure:"enabled"`
			Endpoints   []string      `mapstructure:"endpoints"`
			Username    string        `mapstructure:"username"`
			Password    string        `mapstructure:"password"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
			Prefix      string        `mapstructure:"prefix"`
			TTL         int64         `mapstructure:"ttl"` // 秒
		} `mapstructure:"etcd"`

		DNS struct {
			Enabled  bool          `mapstructure:"enabled"`
			Name     string        `mapstructure:"name"` // 例如 _register._tcp.example.com.
			Servers  []string      `mapstructure:"servers"`
			Interval time.Duration `mapstructure:"interval"`
		} `mapstructure:"dns"`
	} `mapstructure:"discovery"`

	// 日志配置
	Log LogConfig `mapstructure:"log"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Format      string `mapstructure:"format"` // "console" 或 "json"
	File        string `mapstructure:"file"`
	MaxSize     int    `mapstructure:"max_size"` // MB
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"` // 天
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWith(viper.New(), configPath)
}

// LoadConfigWith 使用调用方提供的viper实例加载配置，便于绑定命令行参数
func LoadConfigWith(v *viper.Viper, configPath string) (*Config, error) {
	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.register-center")
		v.AddConfigPath("/etc/register-center")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到默认配置文件时使用默认值；显式指定的文件读取失败则返回错误
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("REGISTER_CENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 注册中心默认配置
	v.SetDefault("hub.listen_address", "0.0.0.0")
	v.SetDefault("hub.port", 8080)
	v.SetDefault("hub.tokens", []string{})
	v.SetDefault("hub.auth_timeout", 10*time.Second)
	v.SetDefault("hub.heartbeat_interval", 20*time.Second)
	v.SetDefault("hub.probe_timeout", 20*time.Second)
	v.SetDefault("hub.advertise_address", "")

	// 工作节点默认配置
	v.SetDefault("master.registers", []string{})
	v.SetDefault("master.retry_attempts", 0)
	v.SetDefault("master.retry_delay", 2*time.Second)
	v.SetDefault("master.reconnect_on_close", true)
	v.SetDefault("master.token", "")
	v.SetDefault("master.follow_topology", true)

	// 管理API默认配置
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen_address", "127.0.0.1")
	v.SetDefault("admin.port", 9090)

	// 发现默认配置
	v.SetDefault("discovery.etcd.enabled", false)
	v.SetDefault("discovery.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("discovery.etcd.username", "")
	v.SetDefault("discovery.etcd.password", "")
	v.SetDefault("discovery.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("discovery.etcd.prefix", "/register-center/hubs/")
	v.SetDefault("discovery.etcd.ttl", 30)
	v.SetDefault("discovery.dns.enabled", false)
	v.SetDefault("discovery.dns.name", "")
	v.SetDefault("discovery.dns.servers", []string{"127.0.0.1:53"})
	v.SetDefault("discovery.dns.interval", 30*time.Second)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("hub.port", "REGISTER_CENTER_HUB_PORT")
	v.BindEnv("hub.tokens", "REGISTER_CENTER_HUB_TOKENS")
	v.BindEnv("master.registers", "REGISTER_CENTER_MASTER_REGISTERS")
	v.BindEnv("master.token", "REGISTER_CENTER_MASTER_TOKEN")
	v.BindEnv("admin.port", "REGISTER_CENTER_ADMIN_PORT")
	v.BindEnv("discovery.etcd.endpoints", "REGISTER_CENTER_ETCD_ENDPOINTS")
	v.BindEnv("discovery.dns.name", "REGISTER_CENTER_DNS_NAME")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.register-center/config.yaml",
		"/etc/register-center/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
