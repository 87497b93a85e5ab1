// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração do
// broker e dos nodes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig representa a configuração completa do nstream-broker.
type BrokerConfig struct {
	Broker  BrokerInfo   `yaml:"broker"`
	Ports   PortsInfo    `yaml:"ports"`
	Session SessionInfo  `yaml:"session"`
	Remote  RemoteInfo   `yaml:"remote"`
	Upload  UploadInfo   `yaml:"upload"`
	Logging LoggingInfo  `yaml:"logging"`
	Nodes   []NodeSpec   `yaml:"nodes"`
}

// BrokerInfo identifica o broker do host.
type BrokerInfo struct {
	Name   string `yaml:"name"`
	BindIP string `yaml:"bind_ip"`
	// LANIP expõe um segundo frontend na LAN para assinantes remotos.
	LANIP string `yaml:"lan_ip"`
}

// PortsInfo contém as portas dos quatro endpoints do broker.
type PortsInfo struct {
	Backend  string `yaml:"backend"`
	Frontend string `yaml:"frontend"`
	Sync     string `yaml:"sync"`
	Kill     string `yaml:"kill"`
}

// SessionInfo contém os parâmetros de uma sessão de gravação.
type SessionInfo struct {
	// Duration limita o tempo de Running; vazio roda até o kill manual.
	Duration    string        `yaml:"duration"`
	DurationRaw time.Duration `yaml:"-"`
	// Schedule, se presente, agenda sessões recorrentes (cron expression).
	Schedule string `yaml:"schedule"`
	BaseDir  string `yaml:"base_dir"`
	Subject  string `yaml:"subject"`
	Trial    int    `yaml:"trial"`
	Label    string `yaml:"label"`
	// NodeBinary é o executável usado para spawnar os nodes locais.
	NodeBinary string `yaml:"node_binary"`
}

// RemoteInfo contém o encadeamento de brokers entre hosts.
type RemoteInfo struct {
	Upstreams   []UpstreamInfo   `yaml:"upstreams"`
	Downstreams []DownstreamInfo `yaml:"downstreams"`
}

// UpstreamInfo aponta para o frontend de um broker upstream.
type UpstreamInfo struct {
	Address       string `yaml:"address"`
	PortFrontend  string `yaml:"port_frontend"`
	SubscribeKill bool   `yaml:"subscribe_kill"`
	PortKill      string `yaml:"port_kill"`
}

// DownstreamInfo aponta para o canal de sync de um broker downstream.
type DownstreamInfo struct {
	Address  string `yaml:"address"`
	PortSync string `yaml:"port_sync"`
	// SubscribeKill também assina o killsig do downstream.
	SubscribeKill bool   `yaml:"subscribe_kill"`
	PortKill      string `yaml:"port_kill"`
}

// UploadInfo contém o destino opcional de upload do trial.
type UploadInfo struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// NodeSpec descreve um node local a construir pelo registry.
type NodeSpec struct {
	Type          string            `yaml:"type"`
	Tag           string            `yaml:"tag"`
	Subscriptions []string          `yaml:"subscriptions"`
	RateHz        float64           `yaml:"rate_hz"`
	SampleLimit   int               `yaml:"sample_limit"`
	Compress      bool              `yaml:"compress"`
	// DelayPeriod liga o estimador de atraso do producer.
	DelayPeriod    string            `yaml:"delay_period"`
	DelayPeriodRaw time.Duration     `yaml:"-"`
	// LocalLog liga a thread de logging local do producer.
	LocalLog bool              `yaml:"local_log"`
	Options  map[string]string `yaml:"options"`
}

// IsProducer reporta se o node emite END (producer ou pipeline).
func (n NodeSpec) IsProducer() bool {
	return len(n.Subscriptions) == 0 || n.Type == "pipeline" || n.Type == "aligner"
}

// LoadBrokerConfig lê e valida o arquivo YAML de configuração do broker.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading broker config: %w", err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing broker config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating broker config: %w", err)
	}

	return &cfg, nil
}

func (c *BrokerConfig) validate() error {
	if c.Broker.Name == "" {
		return fmt.Errorf("broker.name is required")
	}

	if c.Session.Duration != "" {
		d, err := time.ParseDuration(c.Session.Duration)
		if err != nil {
			return fmt.Errorf("session.duration: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("session.duration must not be negative")
		}
		c.Session.DurationRaw = d
	}

	tags := make(map[string]bool, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Type == "" {
			return fmt.Errorf("nodes[%d].type is required", i)
		}
		if n.Tag == "" {
			return fmt.Errorf("nodes[%d].tag is required", i)
		}
		if tags[n.Tag] {
			return fmt.Errorf("nodes[%d].tag %q is not unique", i, n.Tag)
		}
		tags[n.Tag] = true

		if n.DelayPeriod != "" {
			d, err := time.ParseDuration(n.DelayPeriod)
			if err != nil {
				return fmt.Errorf("nodes[%d].delay_period: %w", i, err)
			}
			n.DelayPeriodRaw = d
		}
	}

	for i, up := range c.Remote.Upstreams {
		if up.Address == "" {
			return fmt.Errorf("remote.upstreams[%d].address is required", i)
		}
	}
	for i, down := range c.Remote.Downstreams {
		if down.Address == "" {
			return fmt.Errorf("remote.downstreams[%d].address is required", i)
		}
	}

	if c.Upload.Bucket != "" && c.Upload.Region == "" && c.Upload.Endpoint == "" {
		return fmt.Errorf("upload.region or upload.endpoint is required with upload.bucket")
	}

	return nil
}

// LocalProducers conta os nodes locais que emitem END.
func (c *BrokerConfig) LocalProducers() int {
	count := 0
	for _, n := range c.Nodes {
		if n.IsProducer() {
			count++
		}
	}
	return count
}
