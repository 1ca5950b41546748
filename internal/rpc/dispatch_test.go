package rpc

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/csells/hyper-pi/internal/bus"
	"github.com/csells/hyper-pi/internal/registry"
	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *bus.Subscription) {
	t.Helper()
	table := registry.NewTable()
	b := bus.New(bus.DefaultCapacity, zerolog.Nop(), nil)
	home := t.TempDir()
	d := New(table, b, home, zerolog.Nop(), nil)
	return d, b.Subscribe()
}

func strPtr(s string) *string { return &s }

func TestDispatch_MalformedJSONDiscarded(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, _, ok := Dispatch(d, []byte("not json"))
	if ok {
		t.Error("Dispatch() ok = true for malformed JSON, want false")
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _, ok := Dispatch(d, []byte(`{"id":"1","method":"nope"}`))
	if !ok {
		t.Fatal("Dispatch() ok = false, want true")
	}
	if resp.Error == "" {
		t.Error("expected an error for unknown method")
	}
}

func TestDispatch_RegisterAndListNodes(t *testing.T) {
	d, _ := newTestDispatcher(t)

	regReq := `{"id":"r1","method":"register","params":{"id":"n1","machine":"127.0.0.1","cwd":"/tmp","port":9999,"status":"active"}}`
	resp, registeredID, ok := Dispatch(d, []byte(regReq))
	if !ok {
		t.Fatal("Dispatch(register) ok = false")
	}
	if resp.Error != "" {
		t.Fatalf("Dispatch(register) error = %q", resp.Error)
	}
	if registeredID == nil || *registeredID != "n1" {
		t.Fatalf("registeredID = %v, want n1", registeredID)
	}

	listResp, _, ok := Dispatch(d, []byte(`{"id":"r2","method":"list_nodes"}`))
	if !ok {
		t.Fatal("Dispatch(list_nodes) ok = false")
	}
	nodes, ok := listResp.Result.([]registry.NodeInfo)
	if !ok {
		t.Fatalf("list_nodes result type = %T, want []registry.NodeInfo", listResp.Result)
	}
	if len(nodes) != 1 || nodes[0].ID != "n1" {
		t.Fatalf("nodes = %+v, want one entry with id n1", nodes)
	}
}

func TestDispatch_RegisterMissingParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _, _ := Dispatch(d, []byte(`{"id":"1","method":"register"}`))
	if resp.Error != "Missing params" {
		t.Errorf("error = %q, want %q", resp.Error, "Missing params")
	}
}

func TestDispatch_DeregisterNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _, _ := Dispatch(d, []byte(`{"id":"1","method":"deregister","params":{"id":"ghost"}}`))
	result, ok := resp.Result.(map[string]any)
	if !ok || result["status"] != "not_found" {
		t.Errorf("result = %+v, want status not_found", resp.Result)
	}
}

func TestDispatch_SameEndpointEvictionPublishesBeforeJoin(t *testing.T) {
	d, sub := newTestDispatcher(t)

	Dispatch(d, []byte(`{"method":"register","params":{"id":"old","machine":"h","port":8082,"status":"active"}}`))
	sub.Receive() // node_joined for old, not under test

	Dispatch(d, []byte(`{"method":"register","params":{"id":"new","machine":"h","port":8082,"status":"active"}}`))

	first, ok := sub.Receive()
	if !ok {
		t.Fatal("expected a bus message for the eviction")
	}
	var evt map[string]any
	json.Unmarshal([]byte(first), &evt)
	if evt["event"] != "node_removed" || evt["id"] != "old" {
		t.Fatalf("first event = %+v, want node_removed for old", evt)
	}

	second, ok := sub.Receive()
	if !ok {
		t.Fatal("expected a second bus message for the join")
	}
	var evt2 map[string]any
	json.Unmarshal([]byte(second), &evt2)
	if evt2["event"] != "node_joined" {
		t.Fatalf("second event = %+v, want node_joined", evt2)
	}
}

func TestDispatch_Ping(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _, _ := Dispatch(d, []byte(`{"id":"1","method":"ping"}`))
	result, ok := resp.Result.(map[string]any)
	if !ok || result["status"] != "healthy" {
		t.Errorf("result = %+v, want status healthy", resp.Result)
	}
}

func TestDispatch_ListDirectories(t *testing.T) {
	d, _ := newTestDispatcher(t)
	os.Mkdir(d.HomeDir+"/child", 0o755)

	resp, _, _ := Dispatch(d, []byte(`{"id":"1","method":"list_directories"}`))
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	dirs, ok := result["directories"].([]string)
	if !ok || len(dirs) != 1 || dirs[0] != "child" {
		t.Errorf("directories = %v, want [child]", result["directories"])
	}
}
