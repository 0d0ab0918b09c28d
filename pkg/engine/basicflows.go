package engine

import (
	"hash/fnv"
	"strings"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

const (
	// EtherTypeLLDP is the ethertype matched by every basic flow.
	EtherTypeLLDP = 0x88cc

	// DiscoveryPriority is the priority of the discovery flow.
	DiscoveryPriority uint16 = 1000

	// ColoringPriority is the priority of the topology-coloring flows.
	ColoringPriority uint16 = 50000
)

// Provisioner owns the reserved flows every device carries regardless of
// user intent: one discovery flow sending LLDP to the controller and one
// coloring flow per neighbour. Reserved flows never enter the store.
type Provisioner struct {
	topology Topology
}

// NewProvisioner creates a provisioner. A nil topology yields discovery flows only.
func NewProvisioner(topology Topology) *Provisioner {
	return &Provisioner{topology: topology}
}

// BasicFlows returns the reserved flow set of a device.
func (p *Provisioner) BasicFlows(deviceID string) []flows.Flow {
	toController := []flows.Action{{Type: flows.ActionOutput, Port: flows.PortController}}

	basics := []flows.Flow{{
		TableID:  flows.ManagedTable,
		Priority: DiscoveryPriority,
		Cookie:   flows.ReservedCookie(flows.CookiePrefixDiscovery, cookieSuffix(deviceID)),
		Match:    flows.Match{"dl_type": EtherTypeLLDP},
		Actions:  toController,
	}}

	if p.topology == nil {
		return basics
	}

	seen := make(map[string]bool)
	for _, colour := range p.topology.Neighbors(deviceID) {
		colour = strings.ToLower(colour)
		if colour == "" || seen[colour] {
			continue
		}
		seen[colour] = true

		basics = append(basics, flows.Flow{
			TableID:  flows.ManagedTable,
			Priority: ColoringPriority,
			Cookie:   flows.ReservedCookie(flows.CookiePrefixColoring, cookieSuffix(deviceID+"/"+colour)),
			Match:    flows.Match{"dl_src": colour, "dl_type": EtherTypeLLDP},
			Actions:  append([]flows.Action(nil), toController...),
		})
	}

	return basics
}

// Plan returns the ops that bring a device's reserved flows in line with
// BasicFlows. With force every basic flow is (re)sent even when present;
// otherwise only missing ones are added. Stale reserved flows are removed
// in both cases.
func (p *Provisioner) Plan(deviceID string, observed []flows.Observed, force bool) []FlowOp {
	want := p.BasicFlows(deviceID)

	var present []flows.Flow
	for _, o := range observed {
		if o.TableID == flows.ManagedTable && o.Reserved() {
			present = append(present, o.Flow)
		}
	}

	var ops []FlowOp
	for _, have := range present {
		if !containsEqual(want, have) {
			ops = append(ops, FlowOp{Type: OpDelete, Flow: have})
		}
	}
	for _, f := range want {
		if force || !containsEqual(present, f) {
			ops = append(ops, FlowOp{Type: OpAdd, Flow: f})
		}
	}

	return ops
}

func containsEqual(set []flows.Flow, f flows.Flow) bool {
	for _, s := range set {
		if s.Equal(f) {
			return true
		}
	}
	return false
}

func cookieSuffix(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
