// Package mdns announces the bed HTTP API on the local network via DNS-SD.
package mdns

import (
	"context"
	"fmt"
	"sort"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	ServiceType = "_bedrest._tcp"
	Domain      = "local."
)

// registerFunc publishes a service record and returns a handle that withdraws it.
type registerFunc func(instance, service, domain string, port int, txt []string) (shutdowner, error)

type shutdowner interface {
	Shutdown()
}

func zeroconfRegister(instance, service, domain string, port int, txt []string) (shutdowner, error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Advertiser announces one service instance for as long as Advertise runs.
type Advertiser struct {
	instance string
	register registerFunc
	logger   *logrus.Logger
}

func NewAdvertiser(instance string, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	return &Advertiser{instance: instance, register: zeroconfRegister, logger: logger}
}

// Advertise registers the service and blocks until ctx is done.
func (a *Advertiser) Advertise(ctx context.Context, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)

	server, err := a.register(a.instance, ServiceType, Domain, port, txt)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"instance": a.instance,
		"service":  ServiceType,
		"port":     port,
	}).Info("mDNS advertising")

	<-ctx.Done()
	server.Shutdown()
	a.logger.Debug("mDNS advertisement withdrawn")
	return nil
}
