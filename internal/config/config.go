// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeInfoConfig is this process's own node identity, used for MQTT worker
// and controller self-registration.
type NodeInfoConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	Size int64  `yaml:"size" json:"size"`
}

// RedisConfig addresses the key-value store.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// MqConfig addresses the durable work queue.
type MqConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxConfig addresses the time-series store. Optional in the YAML; a
// nil *InfluxConfig means the ingestion pipeline cannot write points.
type InfluxConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// MongoConfig addresses the document store used by the alerting subsystem.
type MongoConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	DB                    string `yaml:"db"`
	Collection            string `yaml:"collection"`
	WaringCollection      string `yaml:"waring_collection"`
	ScriptWaringCollection string `yaml:"script_waring_collection"`
}

// MySQLConfig is accepted and parsed for configuration-shape compatibility
// with the original deployment's YAML files, but no component in this
// gateway opens a SQL connection from it — see DESIGN.md.
type MySQLConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
}

// Config is the top-level process configuration.
type Config struct {
	NodeInfo    NodeInfoConfig `yaml:"node_info"`
	Redis       RedisConfig    `yaml:"redis_config"`
	MQ          MqConfig       `yaml:"mq_config"`
	Influx      *InfluxConfig  `yaml:"influx_config,omitempty"`
	Mongo       *MongoConfig   `yaml:"mongo_config,omitempty"`
	MySQL       *MySQLConfig   `yaml:"mysql_config,omitempty"`
	BucketPre   string         `yaml:"bucket_prefix"`
	AlertPre    string         `yaml:"alert_collection_prefix"`
	ScriptAlertPre string      `yaml:"script_alert_collection_prefix"`
}

// Load reads and parses a YAML config file at path. A read or parse error
// is fatal (per spec.md §7's "cannot parse own config file" category).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.BucketPre == "" {
		cfg.BucketPre = "iot"
	}
	if cfg.AlertPre == "" {
		cfg.AlertPre = "alerts"
	}
	if cfg.ScriptAlertPre == "" {
		cfg.ScriptAlertPre = "script_alerts"
	}
	return &cfg, nil
}
