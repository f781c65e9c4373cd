package workerpool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/iaas"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"golang.org/x/sync/errgroup"
)

// Health is the state of a worker as seen from the compute API and the
// scheduler together.
type Health string

const (
	// Stale workers never joined the scheduler.
	Stale Health = "stale"
	// Intermediate workers are booting or joining.
	Intermediate Health = "intermediate"
	// Healthy workers are scheduler nodes.
	Healthy Health = "healthy"
)

// flavorMetadata is the server metadata key holding the worker flavor name.
const flavorMetadata = "worker_flavor"

type worker struct {
	server iaas.Server
	node   *nomad.Node
	flavor string
	health Health
	allocs []nomad.Allocation
}

func (w *worker) eligible() bool {
	return w.node != nil && w.node.SchedulingEligibility != nomad.NodeIneligible
}

func (w *worker) busy() bool {
	for _, a := range w.allocs {
		if a.ClientStatus == nomad.AllocRunning || a.ClientStatus == nomad.AllocPending {
			return true
		}
	}
	return false
}

// free reports whether the scheduler can place a job on w right now.
func (w *worker) free() bool {
	return w.health == Healthy && w.eligible() && w.node.Status == "ready" && !w.busy()
}

// sleeping reports whether w has been idle for longer than after. A worker
// that never ran anything is idle since it booted.
func (w *worker) sleeping(now time.Time, after time.Duration) bool {
	if w.health != Healthy || w.busy() {
		return false
	}
	last := w.server.Created
	for _, a := range w.allocs {
		if m := a.Modified(); m.After(last) {
			last = m
		}
	}
	return now.Sub(last) > after
}

type snapshot struct {
	workers   []*worker
	usedVCPUs int
}

func (s *snapshot) count(flavor string, match func(*worker) bool) int {
	n := 0
	for _, w := range s.workers {
		if w.flavor == flavor && match(w) {
			n++
		}
	}
	return n
}

func (s *snapshot) withHealth(h Health) []*worker {
	var out []*worker
	for _, w := range s.workers {
		if w.health == h {
			out = append(out, w)
		}
	}
	return out
}

// names returns the worker names in use.
func (s *snapshot) names() map[string]bool {
	out := make(map[string]bool, len(s.workers))
	for _, w := range s.workers {
		out[w.server.Name] = true
	}
	return out
}

// snapshot joins the compute servers with the scheduler nodes by private
// address, falling back to the node name.
func (s *Service) snapshot(ctx context.Context, staleAfter time.Duration) (*snapshot, error) {
	servers, err := s.compute.ListServers(ctx)
	if err != nil {
		return nil, csierr.External(csierr.SubtypeIaaSRequest, "listing servers", err)
	}
	nodes, err := s.scheduler.Nodes(ctx)
	if err != nil {
		return nil, csierr.External(csierr.SubtypeNomadCommand, "listing scheduler nodes", err)
	}
	vcpus, err := s.flavorVCPUs(ctx)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string]*nomad.Node, len(nodes))
	byName := make(map[string]*nomad.Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.Address != "" {
			byAddress[n.Address] = n
		}
		byName[n.Name] = n
	}

	now := s.clock.Now()
	snap := &snapshot{}
	for _, server := range servers {
		snap.usedVCPUs += vcpus[server.FlavorID]
		if !strings.HasPrefix(server.Name, s.opts.Pool.NamePrefix) {
			continue
		}
		w := &worker{server: server}
		if ip := server.PrivateIP(); ip != "" {
			w.node = byAddress[ip]
		}
		if w.node == nil {
			w.node = byName[server.Name]
		}
		switch {
		case w.node == nil && now.Sub(server.Created) > staleAfter:
			w.health = Stale
		case w.node == nil, w.node.Address == "":
			w.health = Intermediate
		default:
			w.health = Healthy
		}
		w.flavor = s.flavorOf(w)
		snap.workers = append(snap.workers, w)
	}
	sort.Slice(snap.workers, func(i, j int) bool { return snap.workers[i].server.Name < snap.workers[j].server.Name })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.AllocationFetches)
	for _, w := range snap.workers {
		if w.health != Healthy {
			continue
		}
		w := w
		g.Go(func() error {
			allocs, err := s.scheduler.NodeAllocations(gctx, w.node.ID)
			if err != nil {
				return fmt.Errorf("allocations of %s: %w", w.server.Name, err)
			}
			w.allocs = allocs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, csierr.External(csierr.SubtypeNomadCommand, "listing node allocations", err)
	}
	return snap, nil
}

// flavorOf names the flavor of a worker from the metadata it was booted
// with, then its compute flavor, then its scheduler node class.
func (s *Service) flavorOf(w *worker) string {
	if name := w.server.Metadata[flavorMetadata]; name != "" {
		return name
	}
	for name, f := range s.opts.Pool.Flavors {
		if f.FlavorID == w.server.FlavorID {
			return name
		}
	}
	if w.node != nil {
		return w.node.NodeClass
	}
	return ""
}

// flavorVCPUs maps compute flavor ids to their vCPU count. The compute
// API is asked once; the configured flavors fill the gaps.
func (s *Service) flavorVCPUs(ctx context.Context) (map[string]int, error) {
	if s.vcpus != nil {
		return s.vcpus, nil
	}
	flavors, err := s.compute.Flavors(ctx)
	if err != nil {
		return nil, csierr.External(csierr.SubtypeIaaSRequest, "listing flavors", err)
	}
	vcpus := make(map[string]int, len(flavors))
	for _, f := range s.opts.Pool.Flavors {
		vcpus[f.FlavorID] = f.VCPUs
	}
	for _, f := range flavors {
		vcpus[f.ID] = f.VCPUs
	}
	s.vcpus = vcpus
	return vcpus, nil
}
