package config

import (
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

type Config struct {
	// Port Settings
	Host       string `json:"host"`       // The domain name of the server.
	ServerAddr string `json:"serverAddr"` // The address the server endpoint binds to.

	Auth struct {
		AccessTokenSecret      string `json:"accessTokenSecret"`
		RefreshTokenSecret     string `json:"refreshTokenSecret"`
		AccessTokenExpiryHour  int    `json:"accessTokenExpiryHour"`
		RefreshTokenExpiryHour int    `json:"refreshTokenExpiryHour"`
	} `json:"auth"`

	// AppSecret encrypts project private keys at rest. Rotating it requires
	// re-encrypting every project key, so treat it like a database secret.
	AppSecret string `json:"appSecret"`

	Postgres struct {
		Host     string `json:"host"`
		Port     string `json:"port"`
		DBName   string `json:"dbname"`
		User     string `json:"user"`
		Password string `json:"password"`
		SSLMode  string `json:"sslmode"`
		TimeZone string `json:"TimeZone"`
	} `json:"postgres"`

	S3 struct {
		Endpoint  string `json:"endpoint"`
		Region    string `json:"region"`
		AccessKey string `json:"accessKey"`
		SecretKey string `json:"secretKey"`
	} `json:"s3"`

	SMTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password"`
		From     string `json:"from"`
	} `json:"smtp"`

	// Lifecycle policy defaults, overridable per unit in the database.
	Policy struct {
		DaysInAvailable int     `json:"daysInAvailable"` // default download window
		DaysInExpired   int     `json:"daysInExpired"`   // default grace period
		MaxReleases     int     `json:"maxReleases"`     // releases allowed from Expired
		CostPerGBHour   float64 `json:"costPerGBHour"`   // usage reporting rate
		MinimumAdmins   int     `json:"minimumAdmins"`   // hard block below this
		WarnBelowAdmins int     `json:"warnBelowAdmins"` // soft warning below this
		InviteValidDays int     `json:"inviteValidDays"` // stale invite sweep threshold
		SizeUpdateTries int     `json:"sizeUpdateTries"` // retries for size recalculation
	} `json:"policy"`
}

var (
	once   sync.Once
	config *Config
)

func GetConfig() *Config {
	once.Do(func() {
		config = initConfig()
	})
	return config
}

func IsDebugMode() bool {
	return gin.Mode() == gin.DebugMode
}

// initConfig reads the configuration file. In debug mode the path can be
// overridden with DATAHAVEN_DEBUG_CONFIG_PATH; in production the file is
// mounted at /etc/config/config.yaml.
func initConfig() *Config {
	config := &Config{}
	var configPath string
	if IsDebugMode() {
		if os.Getenv("DATAHAVEN_DEBUG_CONFIG_PATH") != "" {
			configPath = os.Getenv("DATAHAVEN_DEBUG_CONFIG_PATH")
		} else {
			configPath = "./etc/debug-config.yaml"
		}
	} else {
		configPath = "/etc/config/config.yaml"
	}
	klog.Info("config path: ", configPath)

	if err := readConfig(configPath, config); err != nil {
		klog.Error("init config", err)
		panic(err)
	}
	applyDefaults(config)
	return config
}

func readConfig(filePath string, config *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

func applyDefaults(c *Config) {
	if c.Policy.DaysInAvailable == 0 {
		c.Policy.DaysInAvailable = 90
	}
	if c.Policy.DaysInExpired == 0 {
		c.Policy.DaysInExpired = 30
	}
	if c.Policy.MaxReleases == 0 {
		c.Policy.MaxReleases = 2
	}
	if c.Policy.MinimumAdmins == 0 {
		c.Policy.MinimumAdmins = 2
	}
	if c.Policy.WarnBelowAdmins == 0 {
		c.Policy.WarnBelowAdmins = 3
	}
	if c.Policy.InviteValidDays == 0 {
		c.Policy.InviteValidDays = 7
	}
	if c.Policy.SizeUpdateTries == 0 {
		c.Policy.SizeUpdateTries = 5
	}
	if c.Auth.AccessTokenExpiryHour == 0 {
		c.Auth.AccessTokenExpiryHour = 2
	}
	if c.Auth.RefreshTokenExpiryHour == 0 {
		c.Auth.RefreshTokenExpiryHour = 168
	}
}
