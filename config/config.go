// Copyright 2020, Square, Inc.

// Package config handles toolsrun site configuration: where per-job
// tempdirs are created, which filesystems the cluster nodes can reach,
// and the knobs for talking to the batch scheduler. Sites load a YAML
// file at startup; everything has a usable default.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Toolsrun is the top-level config.
type Toolsrun struct {
	// The base directory under which per-job rendezvous tempdirs are
	// created. Defaults to the OS temp directory. For cluster jobs this
	// must be on a filesystem the compute nodes can reach.
	TempBase string `yaml:"temp_base"`

	// The name of the driver helper binary that cluster nodes run to
	// execute the real command. Resolved on PATH at submission time.
	Helper string `yaml:"helper"`

	// Default ceiling on concurrently queued cluster jobs. Submission
	// blocks while the queue is at or above this count.
	MaxClusterJobs int `yaml:"max_cluster_jobs"`

	// How long a parsed qstat -f view stays fresh before re-polling.
	QstatCacheSeconds int `yaml:"qstat_cache_seconds"`

	// Poll cadence for Wait() on a cluster job.
	ClusterPollSeconds int `yaml:"cluster_poll_seconds"`

	// Path prefixes considered reachable from the cluster nodes.
	// Submission fails for tempdirs, sinks, or working dirs outside
	// these prefixes.
	ClusterPrefixes []string `yaml:"cluster_prefixes"`

	// When true, a /net/<host> NFS automount prefix is also accepted
	// in front of any of the cluster prefixes.
	NetPrefix bool `yaml:"net_prefix"`
}

// Default returns the config used when no file is loaded. The cluster
// prefix list matches the shared filesystem layout most sites mount on
// their nodes; override it in the YAML file for anything else.
func Default() Toolsrun {
	return Toolsrun{
		TempBase:           os.TempDir(),
		Helper:             "jrun",
		MaxClusterJobs:     2000,
		QstatCacheSeconds:  3,
		ClusterPollSeconds: 2,
		ClusterPrefixes: []string{
			"/data/shared",
			"/data/prod",
			"/data/trunk",
			"/home",
			"/crypt",
		},
		NetPrefix: true,
	}
}

// Load reads the YAML file at path into cfg. Fields absent from the
// file keep whatever cfg already holds, so callers normally pass a
// value from Default().
func Load(path string, cfg *Toolsrun) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// QstatCacheWindow returns the qstat cache freshness window as a
// time.Duration.
func (c Toolsrun) QstatCacheWindow() time.Duration {
	return time.Duration(c.QstatCacheSeconds) * time.Second
}

// ClusterPollInterval returns the cluster Wait() poll cadence as a
// time.Duration.
func (c Toolsrun) ClusterPollInterval() time.Duration {
	return time.Duration(c.ClusterPollSeconds) * time.Second
}
