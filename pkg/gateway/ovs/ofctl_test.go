package ovs

import (
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

const sampleDump = `NXST_FLOW reply (xid=0x4):
 cookie=0xab00000000000001, duration=12.5s, table=0, n_packets=7, n_bytes=420, priority=65000,dl_type=0x88cc actions=CONTROLLER:65535
 cookie=0x0, duration=3.5s, table=0, n_packets=0, n_bytes=0, idle_age=3, priority=100,in_port=1,dl_vlan=324 actions=mod_vlan_vid:200,output:2
 cookie=0x0, duration=1s, table=0, n_packets=0, n_bytes=0, priority=10,tcp,tp_dst=80 actions=drop

 cookie=0x0, duration=1s, table=1, n_packets=0, n_bytes=0, actions=NORMAL
`

func TestFormatFlow(t *testing.T) {
	f := flows.Flow{
		Priority:    100,
		Cookie:      0x10,
		IdleTimeout: 30,
		Match:       flows.Match{"in_port": 1, "dl_type": 2048},
		Actions: []flows.Action{
			{Type: flows.ActionPushVlan, TagType: "s"},
			{Type: flows.ActionSetVlan, VlanID: 10},
			{Type: flows.ActionOutput, Port: flows.PortController},
		},
	}

	got := FormatFlow(f)
	want := "table=0,priority=100,cookie=0x10,idle_timeout=30,dl_type=0x0800,in_port=1," +
		"actions=push_vlan:0x88a8,mod_vlan_vid:10,CONTROLLER:65535"
	if got != want {
		t.Errorf("FormatFlow() = %q, want %q", got, want)
	}

	if got := FormatFlow(flows.Flow{Priority: 1}); got != "table=0,priority=1,actions=drop" {
		t.Errorf("empty flow formatted as %q", got)
	}
}

func TestFormatBundle(t *testing.T) {
	f := flows.Flow{Priority: 10, Match: flows.Match{"in_port": 1}, Actions: []flows.Action{{Type: flows.ActionOutput, Port: 2}}}
	got := string(FormatBundle([]engine.FlowOp{
		{Type: engine.OpDelete, Flow: f},
		{Type: engine.OpAdd, Flow: f},
	}))

	want := "delete_strict table=0,priority=10,in_port=1\n" +
		"add table=0,priority=10,in_port=1,actions=output:2\n"
	if got != want {
		t.Errorf("FormatBundle() = %q, want %q", got, want)
	}
}

func TestParseDumpFlows(t *testing.T) {
	observed, err := ParseDumpFlows(sampleDump)
	if err != nil {
		t.Fatalf("ParseDumpFlows() error = %v", err)
	}
	if len(observed) != 4 {
		t.Fatalf("expected 4 flows, got %d", len(observed))
	}

	discovery := observed[0]
	if !discovery.Reserved() {
		t.Errorf("expected reserved cookie, got %#x", discovery.Cookie)
	}
	if discovery.Duration != 12500*time.Millisecond {
		t.Errorf("duration = %v", discovery.Duration)
	}
	if discovery.PacketCount != 7 || discovery.ByteCount != 420 {
		t.Errorf("counters = %d/%d", discovery.PacketCount, discovery.ByteCount)
	}
	if len(discovery.Actions) != 1 || discovery.Actions[0].Port != flows.PortController {
		t.Errorf("expected controller output, got %+v", discovery.Actions)
	}

	vlan := observed[1]
	if vlan.Priority != 100 || flows.CanonicalValue(vlan.Match["dl_vlan"]) != "324" {
		t.Errorf("unexpected flow %+v", vlan.Flow)
	}
	if _, ok := vlan.Match["idle_age"]; ok {
		t.Error("idle_age must not be treated as a match field")
	}
	wantActions := []flows.Action{
		{Type: flows.ActionSetVlan, VlanID: 200},
		{Type: flows.ActionOutput, Port: 2},
	}
	if len(vlan.Actions) != 2 || vlan.Actions[0] != wantActions[0] || vlan.Actions[1] != wantActions[1] {
		t.Errorf("actions = %+v", vlan.Actions)
	}

	tcp := observed[2]
	if flows.CanonicalValue(tcp.Match["dl_type"]) != "2048" || flows.CanonicalValue(tcp.Match["nw_proto"]) != "6" {
		t.Errorf("tcp shorthand not expanded: %v", tcp.Match)
	}
	if len(tcp.Actions) != 0 {
		t.Errorf("drop should parse to no actions, got %+v", tcp.Actions)
	}

	normal := observed[3]
	if normal.TableID != 1 || normal.Priority != defaultPriority {
		t.Errorf("expected table 1 with default priority, got %d/%d", normal.TableID, normal.Priority)
	}
	if len(normal.Actions) != 1 || normal.Actions[0].Type != "NORMAL" {
		t.Errorf("unmodelled action should be kept verbatim, got %+v", normal.Actions)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	original := flows.Flow{
		Priority: 200,
		Match:    flows.Match{"in_port": 3, "dl_vlan": 324, "dl_src": "EE:EE:EE:EE:EE:01"},
		Actions: []flows.Action{
			{Type: flows.ActionPopVlan},
			{Type: flows.ActionSetQueue, QueueID: 2},
			{Type: flows.ActionOutput, Port: 4},
		},
	}

	head, actions, _ := strings.Cut(FormatFlow(original), ",actions=")
	line := "cookie=0x0, duration=0.1s, " + head + " actions=" + actions

	parsed, err := ParseFlowLine(line)
	if err != nil {
		t.Fatalf("ParseFlowLine() error = %v", err)
	}
	if !parsed.Flow.Equal(original) {
		t.Errorf("round trip changed the flow:\n got %+v\nwant %+v", parsed.Flow, original)
	}
	if parsed.Key() != original.Key() {
		t.Errorf("key %q != %q", parsed.Key(), original.Key())
	}
}

func TestParseFlowLineErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing actions", "cookie=0x0, table=0, priority=1,in_port=1"},
		{"bad priority", "cookie=0x0, table=0, priority=abc actions=drop"},
		{"bad output port", "cookie=0x0, table=0, priority=1 actions=output:x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFlowLine(tt.line); err == nil {
				t.Errorf("expected error for %q", tt.line)
			}
		})
	}
}

func TestSplitActionsRespectsParentheses(t *testing.T) {
	got := splitActions("learn(table=1,hard_timeout=10),output:2")
	if len(got) != 2 || got[0] != "learn(table=1,hard_timeout=10)" || got[1] != "output:2" {
		t.Errorf("splitActions() = %q", got)
	}
}
