// Package sample provides the launcher's sample daemon: it just logs a
// status line every so often, a good starting point for a real daemon.
// Grounded on _examples/original_source/brim/sample_daemon.py.
package sample

import (
	"time"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

func init() {
	registry.RegisterDaemon("sample.Daemon", factory{})
}

type factory struct{}

func (factory) ParseConf(name string, conf *iniconf.Conf) (interface{}, error) {
	interval, err := conf.GetInt(name, "interval", 60)
	if err != nil {
		return nil, err
	}
	return time.Duration(interval) * time.Second, nil
}

func (factory) StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error) {
	return []stats.Declaration{
		{Name: "iterations", Kind: stats.Sum},
		{Name: "last_run", Kind: stats.Max},
	}, nil
}

type daemon struct {
	name     string
	interval time.Duration
}

func (factory) NewDaemon(name string, conf interface{}) (registry.DaemonBody, error) {
	return &daemon{name: name, interval: conf.(time.Duration)}, nil
}

// Run logs a status line every interval until Done is closed, relaunching
// via a fresh daemon instance and iteration counter on restart — sample_daemon.py's
// "if the method exits for any reason... a new daemon instance" restart
// contract is internal/supervisor's job, not this method's.
func (d *daemon) Run(ctx *registry.DaemonContext) error {
	iteration := 0
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done:
			return nil
		case <-ticker.C:
			iteration++
			log.INFO("sample daemon log line", "daemon", d.name, "iteration", iteration)
			ctx.Stats.Set("iterations", int64(iteration))
			ctx.Stats.Set("last_run", time.Now().Unix())
		}
	}
}
