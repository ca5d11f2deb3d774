package probe

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"vpp-ping/discovery"
	"vpp-ping/loadbalance"
)

// ErrNoEngines is returned when discovery knows no engine to probe.
var ErrNoEngines = errors.New("no engines discovered")

// Targets picks the engines a run probes: every discovered endpoint when all
// is set, otherwise the one bal picks for clientName.
func Targets(ctx context.Context, disc discovery.Discovery, service string, bal loadbalance.Balancer, clientName string, all bool) ([]discovery.Endpoint, error) {
	eps, err := disc.Discover(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "discovering %s", service)
	}
	return pick(eps, bal, clientName, all)
}

func pick(eps []discovery.Endpoint, bal loadbalance.Balancer, clientName string, all bool) ([]discovery.Endpoint, error) {
	if len(eps) == 0 {
		return nil, ErrNoEngines
	}
	if all {
		return eps, nil
	}
	ep, err := bal.Pick(eps, clientName)
	if err != nil {
		return nil, err
	}
	return []discovery.Endpoint{*ep}, nil
}

// RunAll probes every endpoint concurrently, at most limit at a time (0 means
// no limit). Reports come back in endpoint order. A failed connection to one
// engine does not stop the others.
func RunAll(ctx context.Context, cfg Config, eps []discovery.Endpoint, opts Options, limit int) []*Report {
	reports := make([]*Report, len(eps))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, ep := range eps {
		runCfg := cfg
		runCfg.Endpoint = ep
		runOpts := opts
		if opts.Printer != nil && len(eps) > 1 {
			runOpts.Printer = opts.Printer.For(ep.String())
		}
		g.Go(func() error {
			reports[i], _ = Run(ctx, runCfg, runOpts)
			return nil
		})
	}
	g.Wait()
	return reports
}

// AllOK reports whether every report is OK.
func AllOK(reports []*Report) bool {
	if len(reports) == 0 {
		return false
	}
	for _, r := range reports {
		if r == nil || !r.OK() {
			return false
		}
	}
	return true
}
