package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ORCH_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("ORCH_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("ORCH_MINIO_ACCESS_KEY", "orchestrator"),
		SecretKey: env.String("ORCH_MINIO_SECRET_KEY", "orchestrator-minio"),
		Region:    env.String("ORCH_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ORCH_MINIO_BUCKET", "checkpoints"),
		Prefix:    strings.Trim(env.String("ORCH_MINIO_PREFIX", "operations"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("endpoint is required")
	case strings.TrimSpace(c.AccessKey) == "":
		return errors.New("access key is required")
	case strings.TrimSpace(c.SecretKey) == "":
		return errors.New("secret key is required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("region is required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("bucket is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
