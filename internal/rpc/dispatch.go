// Package rpc implements the RpcDispatcher: envelope parsing and the
// method table from SPEC_FULL.md §4.3 — register, deregister, list_nodes,
// list_directories, spawn_agent, ping.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/csells/hyper-pi/internal/bus"
	"github.com/csells/hyper-pi/internal/fsbrowser"
	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/spawner"
	"github.com/csells/hyper-pi/internal/telemetry"
	"github.com/rs/zerolog"
)

// Version is surfaced by the ping RPC.
const Version = "1.0.0"

// Dispatcher routes RPC requests against a shared NodeTable and
// BroadcastBus, and delegates list_directories/spawn_agent to their
// respective collaborators.
type Dispatcher struct {
	Table   *registry.Table
	Bus     *bus.Bus
	HomeDir string
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// New constructs a Dispatcher. metrics may be nil, in which case RPC and
// eviction counting is skipped.
func New(table *registry.Table, b *bus.Bus, homeDir string, logger zerolog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{Table: table, Bus: b, HomeDir: homeDir, Logger: logger, Metrics: metrics}
}

// Dispatch parses one raw text frame as an RPC envelope and executes it.
// Malformed JSON is silently discarded: ok is false and the caller sends
// nothing back, matching SPEC_FULL.md §4.3 ("Malformed JSON is silently
// discarded, not a protocol error frame"). registeredID is non-nil only
// when this call was a successful register, letting RegistrySession bind
// the connection to that node id.
func Dispatch(d *Dispatcher, raw []byte) (resp Response, registeredID *string, ok bool) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{}, nil, false
	}

	if d.Metrics != nil {
		d.Metrics.RPCTotal.WithLabelValues(req.Method).Inc()
	}

	switch req.Method {
	case "register":
		resp, registeredID = d.handleRegister(req)
	case "deregister":
		resp = d.handleDeregister(req)
	case "list_nodes":
		resp = d.handleListNodes(req)
	case "list_directories":
		resp = d.handleListDirectories(req)
	case "spawn_agent":
		resp = d.handleSpawnAgent(req)
	case "ping":
		resp = d.handlePing(req)
	default:
		d.Logger.Warn().Str("method", req.Method).Msg("unknown RPC method")
		resp = fail(req.ID, fmt.Sprintf("Method not found: %s", req.Method))
	}
	return resp, registeredID, true
}

func (d *Dispatcher) handleRegister(req Request) (Response, *string) {
	if len(req.Params) == 0 {
		return fail(req.ID, "Missing params"), nil
	}
	var node registry.NodeInfo
	if err := json.Unmarshal(req.Params, &node); err != nil || node.ID == "" {
		return fail(req.ID, "Invalid node info"), nil
	}

	evicted := d.Table.Register(node)
	for _, victim := range evicted {
		d.Logger.Info().Str("node_id", victim.ID).Msg("node evicted by same-endpoint re-registration")
		d.Bus.Publish(eventJSON("node_removed", map[string]any{"id": victim.ID}))
		if d.Metrics != nil {
			d.Metrics.NodesEvicted.Inc()
		}
	}

	registered, _ := d.Table.Get(node.ID)
	d.Logger.Info().Str("node_id", node.ID).Uint16("port", node.Port).Msg("node joined")
	d.Bus.Publish(eventJSON("node_joined", map[string]any{"node": registered}))
	if d.Metrics != nil {
		d.Metrics.NodesRegistered.Set(float64(d.Table.Count()))
	}

	id := node.ID
	return ok(req.ID, map[string]any{"status": "registered"}), &id
}

func (d *Dispatcher) handleDeregister(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if len(req.Params) == 0 {
		return fail(req.ID, "Missing params.id")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return fail(req.ID, "Missing params.id")
	}

	if _, removed := d.Table.Deregister(params.ID); removed {
		d.Logger.Info().Str("node_id", params.ID).Msg("node deregistered")
		d.Bus.Publish(eventJSON("node_removed", map[string]any{"id": params.ID}))
		if d.Metrics != nil {
			d.Metrics.NodesRegistered.Set(float64(d.Table.Count()))
		}
		return ok(req.ID, map[string]any{"status": "deregistered"})
	}
	return ok(req.ID, map[string]any{"status": "not_found"})
}

func (d *Dispatcher) handleListNodes(req Request) Response {
	return ok(req.ID, d.Table.Snapshot())
}

func (d *Dispatcher) handleListDirectories(req Request) Response {
	var params struct {
		Path string `json:"path"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	target := params.Path
	if target == "" {
		target = d.HomeDir
	}

	current, dirs, err := fsbrowser.List(target, d.HomeDir)
	if err != nil {
		return fail(req.ID, err.Error())
	}
	return ok(req.ID, map[string]any{"current": current, "directories": dirs})
}

func (d *Dispatcher) handleSpawnAgent(req Request) Response {
	var params struct {
		Path      string `json:"path"`
		NewFolder string `json:"new_folder"`
	}
	if len(req.Params) == 0 {
		return fail(req.ID, "Missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fail(req.ID, "Missing params")
	}

	canonical, err := spawner.Spawn(params.Path, params.NewFolder, d.HomeDir)
	if err != nil {
		return fail(req.ID, err.Error())
	}
	return ok(req.ID, map[string]any{"status": "spawning", "path": canonical})
}

func (d *Dispatcher) handlePing(req Request) Response {
	return ok(req.ID, map[string]any{
		"status": "healthy",
		"nodes":  d.Table.Count(),
		"version": Version,
	})
}

func eventJSON(event string, fields map[string]any) string {
	fields["event"] = event
	b, _ := json.Marshal(fields)
	return string(b)
}
