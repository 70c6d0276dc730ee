// Copyright 2021 Intel Corporation. All Rights Reserved.
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

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/intel/ksm-engine/pkg/instrumentation/http"
	"github.com/intel/ksm-engine/pkg/ksm"
	"github.com/intel/ksm-engine/pkg/ksm/host/mmaphost"
	"github.com/intel/ksm-engine/pkg/metrics"
	"github.com/intel/ksm-engine/pkg/version"
)

// Config is the on-disk daemon configuration: the engine's tunables
// plus where to expose Prometheus metrics, splitting engine config
// from daemon-level wiring the same way memtierd's Config{Policy,
// Routines} does.
type Config struct {
	Engine    ksm.EngineConfig
	MetricsOn string `yaml:"metricsAddr"`
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, fmt.Sprintf("ksmd: "+format+"\n", a...))
	os.Exit(1)
}

func loadConfigFile(filename string) *Config {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		exit("%s", err)
	}
	cfg := &Config{Engine: *ksm.DefaultEngineConfig()}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		exit("error in %q: %s", filename, err)
	}
	return cfg
}

// newHost constructs the real mmap-backed host.Host the standalone
// daemon drives; a production embedding (kernel or hypervisor) would
// supply its own host.Host against live page tables instead.
func newHost() *mmaphost.Host {
	h, err := mmaphost.New(os.Getpagesize())
	if err != nil {
		exit("failed to set up host: %s", err)
	}
	return h
}

func main() {
	ksm.SetLogger(log.New(os.Stderr, "", 0))
	optPrompt := flag.Bool("prompt", false, "launch interactive prompt (ignore other parameters)")
	optConfig := flag.String("config", "", "launch non-interactive mode with config file")
	optConfigDumpJSON := flag.Bool("config-dump-json", false, "dump effective engine configuration in JSON")
	optDebug := flag.Bool("debug", false, "print debug output")

	flag.Parse()
	ksm.SetLogDebug(*optDebug)

	log.Printf("ksmd (version %s, build %s) starting...", version.Version, version.Build)

	h := newHost()
	engine := ksm.NewEngine(h)

	if *optPrompt {
		prompt := NewPrompt("ksmd> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
		prompt.SetEngine(engine)
		prompt.Interact()
		return
	}

	var metricsAddr string
	if *optConfig != "" {
		cfg := loadConfigFile(*optConfig)
		if err := engine.SetConfig(&cfg.Engine); err != nil {
			exit("invalid engine configuration: %s", err)
		}
		metricsAddr = cfg.MetricsOn
	}

	if *optConfigDumpJSON {
		fmt.Printf("%s\n", engine.GetConfigJson())
		os.Exit(0)
	}

	if err := engine.RegisterMetrics(); err != nil {
		exit("failed to register metrics: %s", err)
	}
	if metricsAddr != "" {
		gatherer, err := metrics.NewMetricGatherer()
		if err != nil {
			exit("failed to build metric gatherer: %s", err)
		}
		srv := http.NewServer()
		srv.GetMux().Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		if err := srv.Start(metricsAddr); err != nil {
			exit("failed to start metrics server: %s", err)
		}
	}

	if err := engine.Start(); err != nil {
		exit("failed to start engine: %s", err)
	}

	prompt := NewPrompt("ksmd> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
	if stdinFileInfo, _ := os.Stdin.Stat(); (stdinFileInfo.Mode() & os.ModeCharDevice) == 0 {
		prompt.SetEcho(true)
	}
	prompt.SetEngine(engine)
	prompt.Interact()
}
