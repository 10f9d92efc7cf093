package main

import (
	"github.com/capstan-io/capstan/pkg/common/metrics"
	"github.com/capstan-io/capstan/pkg/master"
)

// Config holds all configs to run a capstan-master server.
type Config struct {
	Metrics metrics.Config `yaml:"metrics"`
	Master  master.Config  `yaml:"master"`
}
