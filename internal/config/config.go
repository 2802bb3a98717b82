// Copyright 2026 The Mergeflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates orchestrator configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mergeflow/mergeflow/pkg/errors"
)

// QueueConfig configures the distributed task queue.
type QueueConfig struct {
	// RedisAddr is the Redis server address.
	RedisAddr string `yaml:"redis_addr"`

	// Namespace prefixes every queue key.
	Namespace string `yaml:"namespace"`
}

// TransactionConfig configures the transaction manager.
type TransactionConfig struct {
	// DefaultTimeout is the per-operation timeout applied during commit.
	// Zero means unbounded.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Strict, when true, turns undo failures during rollback into
	// transaction errors instead of warnings.
	Strict bool `yaml:"strict"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file path. ":memory:" for tests.
	Path string `yaml:"path"`

	// Retention is how long completed executions, resolved blockers and
	// events are kept before cleanup removes them.
	Retention time.Duration `yaml:"retention"`
}

// Config is the orchestrator configuration surface.
type Config struct {
	// MaxConcurrentTasks is the worker pool size.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// RetryAttempts bounds per-task queue retries before dead-lettering.
	RetryAttempts int `yaml:"retry_attempts"`

	// RealTimeUpdates enables reactive blocker detection on milestone
	// update events, in addition to the periodic pass.
	RealTimeUpdates bool `yaml:"real_time_updates"`

	// MetricCalculationInterval is the period of the metrics/detector loop.
	MetricCalculationInterval time.Duration `yaml:"metric_calculation_interval"`

	// EnablePredictiveAnalytics enables prediction generators.
	EnablePredictiveAnalytics bool `yaml:"enable_predictive_analytics"`

	// EnableBlockerDetection enables the blocker detector.
	EnableBlockerDetection bool `yaml:"enable_blocker_detection"`

	// MetricsAddr is the Prometheus metrics listen address. Empty disables
	// the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	Queue       QueueConfig       `yaml:"queue"`
	Transaction TransactionConfig `yaml:"transaction"`
	Store       StoreConfig       `yaml:"store"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		MaxConcurrentTasks:        5,
		TaskTimeout:               10 * time.Minute,
		RetryAttempts:             3,
		RealTimeUpdates:           true,
		MetricCalculationInterval: 5 * time.Second,
		EnablePredictiveAnalytics: true,
		EnableBlockerDetection:    true,
		Queue: QueueConfig{
			RedisAddr: "localhost:6379",
			Namespace: "mergeflow",
		},
		Store: StoreConfig{
			Path:      "mergeflow.db",
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the given YAML file (optional), then applies
// environment overrides and validates the result. An empty path loads
// defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from MERGEFLOW_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MERGEFLOW_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("MERGEFLOW_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("MERGEFLOW_QUEUE_NAMESPACE"); v != "" {
		c.Queue.Namespace = v
	}
	if v := os.Getenv("MERGEFLOW_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("MERGEFLOW_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("MERGEFLOW_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryAttempts = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return &errors.ValidationError{
			Field:   "max_concurrent_tasks",
			Message: fmt.Sprintf("must be at least 1, got %d", c.MaxConcurrentTasks),
		}
	}
	if c.TaskTimeout <= 0 {
		return &errors.ValidationError{
			Field:   "task_timeout",
			Message: "must be positive",
		}
	}
	if c.RetryAttempts < 0 {
		return &errors.ValidationError{
			Field:   "retry_attempts",
			Message: "must not be negative",
		}
	}
	if c.MetricCalculationInterval <= 0 {
		return &errors.ValidationError{
			Field:   "metric_calculation_interval",
			Message: "must be positive",
		}
	}
	if c.Queue.Namespace == "" {
		return &errors.ValidationError{
			Field:   "queue.namespace",
			Message: "must not be empty",
		}
	}
	if c.Store.Path == "" {
		return &errors.ValidationError{
			Field:   "store.path",
			Message: "must not be empty",
		}
	}
	return nil
}
