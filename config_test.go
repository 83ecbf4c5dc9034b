package roundsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/model"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if !cfg.Descriptor().Equal(model.DefaultDescriptor()) {
		t.Errorf("expected the default descriptor, got %+v", cfg.Descriptor())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[run]
id = "run-42"
workers = 4
rounds = 3

[dataset]
source = "synthetic"
train_size = 64
test_size = 16
shape = [1, 4, 4]
classes = 3

[model]
hidden = [16, 8]

[transport]
kind = "mqtt"
rank = 2
join_timeout = "5s"

[mqtt]
url = "tcp://broker:1883"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ROUNDSYNC_RUN_EPOCHS", "5")
	t.Setenv("ROUNDSYNC_OPTIMIZER_LEARNING_RATE", "0.01")
	t.Setenv("ROUNDSYNC_MQTT_URL", "tcp://override:1883")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{name: "file value", got: cfg.Run.Workers, want: 4},
		{name: "file value in another section", got: cfg.Transport.Rank, want: 2},
		{name: "duration", got: cfg.Transport.JoinTimeout, want: 5 * time.Second},
		{name: "default kept", got: cfg.Run.Algorithm, want: "mean"},
		{name: "default kept in a touched section", got: cfg.MQTT.QoS, want: byte(2)},
		{name: "env override", got: cfg.Run.Epochs, want: 5},
		{name: "env override nested", got: cfg.Optimizer.LearningRate, want: 0.01},
		{name: "env wins over file", got: cfg.MQTT.URL, want: "tcp://override:1883"},
		{name: "optimizer default", got: cfg.Optimizer.BatchSize, want: 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	d := cfg.Descriptor()
	if d.InputSize() != 16 || d.Classes != 3 || len(d.Hidden) != 2 || d.Hidden[1].Units != 8 {
		t.Errorf("unexpected descriptor: %+v", d)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for a missing file")
	}

	broken := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(broken, []byte("[run\nworkers = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(broken); err == nil {
		t.Error("expected error for malformed TOML")
	}

	t.Setenv("ROUNDSYNC_RUN_WORKERS", "0")
	if _, err := LoadConfig(""); !errors.Is(err, pkgerrors.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero rounds", mutate: func(c *Config) { c.Run.Rounds = 0 }},
		{name: "zero epochs", mutate: func(c *Config) { c.Run.Epochs = 0 }},
		{name: "unknown source", mutate: func(c *Config) { c.Dataset.Source = "imagenet" }},
		{name: "cifar without dir", mutate: func(c *Config) { c.Dataset.Dir = "" }},
		{name: "synthetic smaller than the group", mutate: func(c *Config) {
			c.Dataset.Source = SourceSynthetic
			c.Dataset.TrainSize = 1
		}},
		{name: "mqtt rank out of range", mutate: func(c *Config) {
			c.Transport.Kind = TransportMQTT
			c.Run.ID = "r"
			c.Transport.Rank = 2
		}},
		{name: "mqtt without run id", mutate: func(c *Config) { c.Transport.Kind = TransportMQTT }},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "grpc" }},
		{name: "unknown checkpoint store", mutate: func(c *Config) { c.Checkpoint.Kind = "s3" }},
		{name: "unknown algorithm", mutate: func(c *Config) { c.Run.Algorithm = "median" }},
		{name: "bad optimizer", mutate: func(c *Config) { c.Optimizer.LearningRate = 0 }},
		{name: "bad activation", mutate: func(c *Config) { c.Model.Activation = "tanh" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, pkgerrors.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Run.Name = "brave-turing"
	cfg.Run.Rounds = 7
	cfg.Model.Hidden = []int{32, 16}

	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Run.Name != "brave-turing" || got.Run.Rounds != 7 || len(got.Model.Hidden) != 2 || got.Model.Hidden[0] != 32 {
		t.Errorf("config did not survive a round trip: %+v", got)
	}
	if got.MQTT.Timeout != cfg.MQTT.Timeout {
		t.Errorf("expected timeout %s, got %s", cfg.MQTT.Timeout, got.MQTT.Timeout)
	}
}
