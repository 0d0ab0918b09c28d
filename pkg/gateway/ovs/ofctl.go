package ovs

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

const (
	// defaultPriority is what ovs-ofctl assumes, and omits, when no priority is printed.
	defaultPriority = 32768

	controllerMaxLen = 65535
)

// protocolShorthands expand the protocol keywords ovs-ofctl prints in place of
// dl_type and nw_proto.
var protocolShorthands = map[string]flows.Match{
	"ip":    {"dl_type": "0x0800"},
	"arp":   {"dl_type": "0x0806"},
	"rarp":  {"dl_type": "0x8035"},
	"ipv6":  {"dl_type": "0x86dd"},
	"mpls":  {"dl_type": "0x8847"},
	"icmp":  {"dl_type": "0x0800", "nw_proto": 1},
	"tcp":   {"dl_type": "0x0800", "nw_proto": 6},
	"udp":   {"dl_type": "0x0800", "nw_proto": 17},
	"sctp":  {"dl_type": "0x0800", "nw_proto": 132},
	"icmp6": {"dl_type": "0x86dd", "nw_proto": 58},
	"tcp6":  {"dl_type": "0x86dd", "nw_proto": 6},
	"udp6":  {"dl_type": "0x86dd", "nw_proto": 17},
}

// FormatFlow renders a flow in ovs-ofctl add-flow syntax.
func FormatFlow(f flows.Flow) string {
	parts := []string{
		fmt.Sprintf("table=%d", f.TableID),
		fmt.Sprintf("priority=%d", f.Priority),
	}
	if f.Cookie != 0 {
		parts = append(parts, fmt.Sprintf("cookie=%#x", f.Cookie))
	}
	if f.IdleTimeout != 0 {
		parts = append(parts, fmt.Sprintf("idle_timeout=%d", f.IdleTimeout))
	}
	if f.HardTimeout != 0 {
		parts = append(parts, fmt.Sprintf("hard_timeout=%d", f.HardTimeout))
	}
	if m := formatMatch(f.Match); m != "" {
		parts = append(parts, m)
	}

	return strings.Join(parts, ",") + ",actions=" + FormatActions(f.Actions)
}

// FormatStrictMatch renders the fields a strict delete selects on: table,
// priority and the exact match.
func FormatStrictMatch(f flows.Flow) string {
	s := fmt.Sprintf("table=%d,priority=%d", f.TableID, f.Priority)
	if m := formatMatch(f.Match); m != "" {
		s += "," + m
	}
	return s
}

// FormatBundle renders ops as an add-flows file, one command per line.
func FormatBundle(ops []engine.FlowOp) []byte {
	var b strings.Builder
	for _, op := range ops {
		switch op.Type {
		case engine.OpDelete:
			b.WriteString("delete_strict ")
			b.WriteString(FormatStrictMatch(op.Flow))
		default:
			b.WriteString("add ")
			b.WriteString(FormatFlow(op.Flow))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func formatMatch(m flows.Match) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := flows.CanonicalValue(m[k])
		if k == "dl_type" {
			if n, err := strconv.ParseUint(v, 10, 16); err == nil {
				v = fmt.Sprintf("0x%04x", n)
			}
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

// FormatActions renders an action list in ovs-ofctl syntax.
func FormatActions(actions []flows.Action) string {
	if len(actions) == 0 {
		return "drop"
	}

	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case flows.ActionOutput:
			if a.Port == flows.PortController {
				parts = append(parts, fmt.Sprintf("CONTROLLER:%d", controllerMaxLen))
			} else {
				parts = append(parts, fmt.Sprintf("output:%d", a.Port))
			}
		case flows.ActionSetVlan:
			parts = append(parts, fmt.Sprintf("mod_vlan_vid:%d", a.VlanID))
		case flows.ActionPushVlan:
			ethertype := "0x8100"
			if a.TagType == "s" {
				ethertype = "0x88a8"
			}
			parts = append(parts, "push_vlan:"+ethertype)
		case flows.ActionPopVlan:
			parts = append(parts, "strip_vlan")
		case flows.ActionSetQueue:
			parts = append(parts, fmt.Sprintf("set_queue:%d", a.QueueID))
		default:
			parts = append(parts, a.Type)
		}
	}
	return strings.Join(parts, ",")
}

// ParseDumpFlows parses the output of ovs-ofctl dump-flows. Header lines and
// blank lines are skipped.
func ParseDumpFlows(output string) ([]flows.Observed, error) {
	var observed []flows.Observed

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "cookie=") {
			continue
		}

		o, err := ParseFlowLine(line)
		if err != nil {
			return nil, err
		}
		observed = append(observed, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}

	return observed, nil
}

// ParseFlowLine parses one dump-flows entry.
func ParseFlowLine(line string) (flows.Observed, error) {
	o := flows.Observed{Flow: flows.Flow{Priority: defaultPriority, Match: flows.Match{}}}

	head, actions, found := strings.Cut(line, " actions=")
	if !found {
		return o, fmt.Errorf("no actions in flow %q", line)
	}

	head = strings.ReplaceAll(head, ", ", ",")
	head = strings.ReplaceAll(head, " ", ",")
	for _, tok := range strings.Split(head, ",") {
		if tok == "" {
			continue
		}

		key, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			for k, v := range protocolShorthands[key] {
				o.Match[k] = v
			}
			continue
		}

		var err error
		switch key {
		case "cookie":
			o.Cookie, err = strconv.ParseUint(value, 0, 64)
		case "duration":
			var secs float64
			secs, err = strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64)
			o.Duration = time.Duration(secs * float64(time.Second))
		case "table":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 8)
			o.TableID = uint8(n)
		case "priority":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			o.Priority = uint16(n)
		case "idle_timeout":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			o.IdleTimeout = uint16(n)
		case "hard_timeout":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			o.HardTimeout = uint16(n)
		case "n_packets":
			o.PacketCount, err = strconv.ParseUint(value, 10, 64)
		case "n_bytes":
			o.ByteCount, err = strconv.ParseUint(value, 10, 64)
		case "idle_age", "hard_age", "importance", "reset_counts":
		default:
			o.Match[key] = parseMatchValue(value)
		}
		if err != nil {
			return o, fmt.Errorf("invalid %s in flow %q: %w", key, line, err)
		}
	}

	parsed, err := ParseActions(actions)
	if err != nil {
		return o, fmt.Errorf("invalid actions in flow %q: %w", line, err)
	}
	o.Actions = parsed

	return o, nil
}

func parseMatchValue(v string) interface{} {
	if strings.ContainsAny(v, ":./") {
		return strings.ToLower(v)
	}
	if n, err := strconv.ParseUint(v, 0, 64); err == nil {
		return n
	}
	return v
}

// ParseActions parses an ovs-ofctl action list. Actions the engine does not
// model are kept verbatim as their own type, so a flow carrying them never
// compares equal to a managed flow.
func ParseActions(s string) ([]flows.Action, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "drop" {
		return nil, nil
	}

	var actions []flows.Action
	for _, tok := range splitActions(s) {
		name, arg, _ := strings.Cut(tok, ":")

		switch strings.ToLower(name) {
		case "output":
			port, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad output port %q", arg)
			}
			actions = append(actions, flows.Action{Type: flows.ActionOutput, Port: uint32(port)})

		case "controller":
			actions = append(actions, flows.Action{Type: flows.ActionOutput, Port: flows.PortController})

		case "mod_vlan_vid":
			vid, err := strconv.ParseUint(arg, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad vlan id %q", arg)
			}
			actions = append(actions, flows.Action{Type: flows.ActionSetVlan, VlanID: uint16(vid)})

		case "set_field":
			value, field, ok := strings.Cut(arg, "->")
			if ok && field == "vlan_vid" {
				vid, err := strconv.ParseUint(value, 0, 16)
				if err != nil {
					return nil, fmt.Errorf("bad vlan id %q", value)
				}
				actions = append(actions, flows.Action{Type: flows.ActionSetVlan, VlanID: uint16(vid & 0x0fff)})
				continue
			}
			actions = append(actions, flows.Action{Type: tok})

		case "push_vlan":
			tag := "c"
			if strings.EqualFold(arg, "0x88a8") {
				tag = "s"
			}
			actions = append(actions, flows.Action{Type: flows.ActionPushVlan, TagType: tag})

		case "strip_vlan", "pop_vlan":
			actions = append(actions, flows.Action{Type: flows.ActionPopVlan})

		case "set_queue":
			q, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad queue id %q", arg)
			}
			actions = append(actions, flows.Action{Type: flows.ActionSetQueue, QueueID: uint32(q)})

		default:
			// A bare number is an output port.
			if port, err := strconv.ParseUint(tok, 10, 32); err == nil {
				actions = append(actions, flows.Action{Type: flows.ActionOutput, Port: uint32(port)})
				continue
			}
			actions = append(actions, flows.Action{Type: tok})
		}
	}

	return actions, nil
}

// splitActions splits on commas outside parentheses.
func splitActions(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
