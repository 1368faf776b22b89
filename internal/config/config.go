// Package config loads the controller configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ia-eknorr/sidecar-operator/internal/identity"
	"github.com/ia-eknorr/sidecar-operator/internal/sidecar"
	sidecartypes "github.com/ia-eknorr/sidecar-operator/pkg/types"
)

// Gateway client implementations.
const (
	GatewayClientset = "clientset"
	GatewayRuntime   = "runtime"
)

// Config holds the controller runtime configuration.
type Config struct {
	Namespace        string
	SidecarPrefix    string
	SidecarImage     string
	AnnotateSidecars bool
	SidecarPatches   string   // semicolon-separated path=value pairs
	ExcludePods      []string // glob patterns over workload pod names
	GatewayClient    string
	HealthAddr       string
	MetricsAddr      string
}

// LoadConfig reads configuration from environment variables and applies defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Namespace:        envOr("TARGET_NAMESPACE", sidecartypes.DefaultNamespace),
		SidecarPrefix:    envOr("SIDECAR_PREFIX", sidecartypes.DefaultSidecarPrefix),
		SidecarImage:     envOr("SIDECAR_IMAGE", sidecartypes.DefaultSidecarImage),
		AnnotateSidecars: true,
		SidecarPatches:   os.Getenv("SIDECAR_PATCHES"),
		GatewayClient:    envOr("GATEWAY_CLIENT", GatewayClientset),
		HealthAddr:       envOr("HEALTH_ADDR", sidecartypes.DefaultHealthAddr),
		MetricsAddr:      envOr("METRICS_ADDR", sidecartypes.DefaultMetricsAddr),
	}

	if v := os.Getenv("SIDECAR_ANNOTATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SIDECAR_ANNOTATE: %w", err)
		}
		cfg.AnnotateSidecars = b
	}

	if v := os.Getenv("EXCLUDE_PODS"); v != "" {
		cfg.ExcludePods = strings.Split(v, ",")
	}

	return cfg, nil
}

// Validate checks required fields and that patches and exclude patterns parse.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("target namespace is required")
	}
	if c.SidecarPrefix == "" {
		return fmt.Errorf("sidecar prefix is required")
	}
	if c.SidecarImage == "" {
		return fmt.Errorf("sidecar image is required")
	}
	switch c.GatewayClient {
	case GatewayClientset, GatewayRuntime:
	default:
		return fmt.Errorf("unknown gateway client %q (want %s or %s)", c.GatewayClient, GatewayClientset, GatewayRuntime)
	}
	if _, err := c.Patches(); err != nil {
		return err
	}
	if _, err := c.Excluder(); err != nil {
		return err
	}
	return nil
}

// Patches parses SidecarPatches.
func (c *Config) Patches() ([]sidecar.Patch, error) {
	return sidecar.ParsePatches(c.SidecarPatches)
}

// Excluder compiles ExcludePods.
func (c *Config) Excluder() (*identity.Excluder, error) {
	return identity.NewExcluder(c.ExcludePods)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
