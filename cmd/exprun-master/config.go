package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultWorkerCommand = "exprun-worker"

// masterConfig carries the runtime settings for the master daemon.
type masterConfig struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    string

	Worker  workerConfig
	History historyConfig
}

type workerConfig struct {
	Command           string
	Args              []string
	Spawner           string
	DockerImage       string
	SendTimeout       time.Duration
	StartReplyTimeout time.Duration
	TermTimeout       time.Duration
	ResultTimeout     time.Duration
}

type historyConfig struct {
	Path string
	Keep int
}

// config.toml key mapping to master runtime settings.
type fileConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	LogLevel    string `toml:"log_level"`

	Worker  workerFileConfig  `toml:"worker"`
	History historyFileConfig `toml:"history"`
}

type workerFileConfig struct {
	Command           string   `toml:"command"`
	Args              []string `toml:"args"`
	Spawner           string   `toml:"spawner"`
	DockerImage       string   `toml:"docker_image"`
	SendTimeout       string   `toml:"send_timeout"`
	StartReplyTimeout string   `toml:"start_reply_timeout"`
	TermTimeout       string   `toml:"term_timeout"`
	ResultTimeout     string   `toml:"result_timeout"`
}

type historyFileConfig struct {
	Path string `toml:"path"`
	Keep int    `toml:"keep"`
}

func defaultConfig() masterConfig {
	return masterConfig{
		ListenAddr: "0.0.0.0:8888",
		LogLevel:   "info",
		Worker: workerConfig{
			Command:           defaultWorkerCommand,
			Spawner:           "local",
			SendTimeout:       500 * time.Millisecond,
			StartReplyTimeout: time.Second,
			TermTimeout:       time.Second,
		},
		History: historyConfig{Keep: 1000},
	}
}

// loadConfig reads a TOML config file over the defaults.
func loadConfig(path string) (masterConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return masterConfig{}, fmt.Errorf("load master config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("worker", "command") {
		cfg.Worker.Command = strings.TrimSpace(raw.Worker.Command)
	}
	if meta.IsDefined("worker", "args") {
		cfg.Worker.Args = raw.Worker.Args
	}
	if meta.IsDefined("worker", "spawner") {
		cfg.Worker.Spawner = strings.TrimSpace(raw.Worker.Spawner)
	}
	if meta.IsDefined("worker", "docker_image") {
		cfg.Worker.DockerImage = strings.TrimSpace(raw.Worker.DockerImage)
	}
	if meta.IsDefined("worker", "send_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.SendTimeout))
		if err != nil {
			return masterConfig{}, fmt.Errorf("parse worker.send_timeout: %w", err)
		}
		cfg.Worker.SendTimeout = d
	}
	if meta.IsDefined("worker", "start_reply_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.StartReplyTimeout))
		if err != nil {
			return masterConfig{}, fmt.Errorf("parse worker.start_reply_timeout: %w", err)
		}
		cfg.Worker.StartReplyTimeout = d
	}
	if meta.IsDefined("worker", "term_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.TermTimeout))
		if err != nil {
			return masterConfig{}, fmt.Errorf("parse worker.term_timeout: %w", err)
		}
		cfg.Worker.TermTimeout = d
	}
	if meta.IsDefined("worker", "result_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.ResultTimeout))
		if err != nil {
			return masterConfig{}, fmt.Errorf("parse worker.result_timeout: %w", err)
		}
		cfg.Worker.ResultTimeout = d
	}

	if meta.IsDefined("history", "path") {
		cfg.History.Path = strings.TrimSpace(raw.History.Path)
	}
	if meta.IsDefined("history", "keep") {
		cfg.History.Keep = raw.History.Keep
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return masterConfig{}, fmt.Errorf("load master config: tls_cert_file and tls_key_file must be set together")
	}
	switch cfg.Worker.Spawner {
	case "local":
	case "docker":
		if cfg.Worker.DockerImage == "" {
			return masterConfig{}, fmt.Errorf("load master config: worker.docker_image is required when worker.spawner is docker")
		}
	default:
		return masterConfig{}, fmt.Errorf("load master config: unsupported worker.spawner %q (expected local or docker)", cfg.Worker.Spawner)
	}
	if cfg.Worker.Command == "" {
		return masterConfig{}, fmt.Errorf("load master config: worker.command must not be empty")
	}
	if cfg.History.Keep < 0 {
		return masterConfig{}, fmt.Errorf("load master config: history.keep must not be negative")
	}

	return cfg, nil
}
