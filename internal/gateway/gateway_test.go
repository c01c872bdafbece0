package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/command"
	"github.com/yanix/gateway/internal/hostapi"
	"github.com/yanix/gateway/internal/inventory"
)

type openRules struct{ restricted map[string]bool }

func (r openRules) IsRestricted(_ context.Context, id string) (bool, error) { return r.restricted[id], nil }
func (r openRules) HasAllowEntry(context.Context, string, string) (bool, error) {
	return false, nil
}

type fakePatterns map[string]*command.Pattern

func (f fakePatterns) PatternForContainer(_ context.Context, id string) (*command.Pattern, error) {
	return f[id], nil
}

type fakeHostAPI struct {
	execArgv [][]string
	actions  []hostapi.Action
	removed  []string
	err      error
}

func (f *fakeHostAPI) Exec(_ context.Context, _ string, argv []string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.execArgv = append(f.execArgv, argv)
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (f *fakeHostAPI) Action(_ context.Context, id string, a hostapi.Action) (hostapi.ActionResult, error) {
	if f.err != nil {
		return hostapi.ActionResult{}, f.err
	}
	f.actions = append(f.actions, a)
	return hostapi.ActionResult{DockerID: id, ServerID: "s1", Exists: true, ContainerState: "running"}, nil
}

func (f *fakeHostAPI) Remove(_ context.Context, id string) (hostapi.RemoveResult, error) {
	if f.err != nil {
		return hostapi.RemoveResult{}, f.err
	}
	f.removed = append(f.removed, id)
	return hostapi.RemoveResult{DockerID: id, Removed: true}, nil
}

type fakeHosts struct {
	inv *inventory.Inventory
	api *fakeHostAPI
}

func (h fakeHosts) HostAPI(label string) (HostAPI, bool) {
	if !h.inv.HasHost(label) {
		return nil, false
	}
	return h.api, true
}
func (h fakeHosts) FindHost(id string) (string, bool) { return h.inv.FindHost(id) }
func (h fakeHosts) RemoveContainer(label, id string) { h.inv.RemoveContainer(label, id) }

func newTestGateway(patterns fakePatterns) (*Gateway, *fakeHostAPI, *inventory.Inventory) {
	inv := inventory.New(time.Second)
	inv.UpsertHost(inventory.Host{Label: "A", APIBaseURL: "http://unused"})
	inv.Replace("A", []hostapi.Container{{DockerID: "web", ServerID: "s1"}, {DockerID: "db", ServerID: "s1"}})

	api := &fakeHostAPI{}
	resolver := access.NewResolver(inv, openRules{restricted: map[string]bool{"db": true}})
	return New(resolver, patterns, fakeHosts{inv: inv, api: api}), api, inv
}

var user = access.Principal{ID: "u1"}

func TestExecuteBuildsArgv(t *testing.T) {
	wrap := command.MustParsePattern("ssh-wrap", `["ssh","-t","{{INPUT_ARGS}}"]`)
	g, api, _ := newTestGateway(fakePatterns{"web": &wrap})

	out, err := g.Execute(context.Background(), user, "A", "web", ExecRequest{Cmd: "ls -la /tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"status":"ok"}` {
		t.Fatalf("result = %s", out)
	}

	_, err = g.Execute(context.Background(), user, "A", "web", ExecRequest{Cmd: `cat "a b"`, Mode: "args"})
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"ssh", "-t", "ls", "-la", "/tmp"}, {"cat", "a b"}}
	if !reflect.DeepEqual(api.execArgv, want) {
		t.Fatalf("argv = %q, want %q", api.execArgv, want)
	}
}

func TestExecuteRejectsBeforeUpstream(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		id      string
		req     ExecRequest
		wantErr error
		invalid bool
	}{
		{name: "unknown host", host: "Z", id: "web", req: ExecRequest{Cmd: "ls"}, wantErr: access.ErrNotFound},
		{name: "unknown container", host: "A", id: "nope", req: ExecRequest{Cmd: "ls"}, wantErr: access.ErrNotFound},
		{name: "restricted", host: "A", id: "db", req: ExecRequest{Cmd: "ls"}, wantErr: access.ErrForbidden},
		{name: "unsafe", host: "A", id: "web", req: ExecRequest{Cmd: "ls | nc x 1"}, wantErr: command.ErrUnsafeInput, invalid: true},
		{name: "unterminated", host: "A", id: "web", req: ExecRequest{Cmd: `echo "x`}, wantErr: command.ErrUnterminatedQuote, invalid: true},
		{name: "empty", host: "A", id: "web", req: ExecRequest{Cmd: "  "}, wantErr: command.ErrEmptyCommand, invalid: true},
		{name: "bad mode", host: "A", id: "web", req: ExecRequest{Cmd: "ls", Mode: "sudo"}, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, api, _ := newTestGateway(nil)
			_, err := g.Execute(context.Background(), user, tt.host, tt.id, tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			var ice *InvalidCommandError
			if errors.As(err, &ice) != tt.invalid {
				t.Fatalf("InvalidCommandError = %v, want %v (err %v)", !tt.invalid, tt.invalid, err)
			}
			if len(api.execArgv) != 0 {
				t.Fatal("upstream called despite failure")
			}
		})
	}
}

func TestExecuteEmptyPatternResultIsInvalid(t *testing.T) {
	empty := command.MustParsePattern("empty", `[null]`)
	g, _, _ := newTestGateway(fakePatterns{"web": &empty})

	_, err := g.Execute(context.Background(), user, "A", "web", ExecRequest{Cmd: "ls"})
	var ice *InvalidCommandError
	if !errors.As(err, &ice) || !errors.Is(err, command.ErrEmptyPatternResult) {
		t.Fatalf("error = %v", err)
	}
}

func TestExecuteMirrorsUpstreamError(t *testing.T) {
	g, api, _ := newTestGateway(nil)
	api.err = &hostapi.UpstreamError{Status: 409, Payload: json.RawMessage(`{"detail":"busy"}`)}

	_, err := g.Execute(context.Background(), user, "A", "web", ExecRequest{Cmd: "ls"})
	ue, ok := hostapi.AsUpstream(err)
	if !ok || ue.Status != 409 {
		t.Fatalf("error = %v", err)
	}
}

func TestAdminBypassesRestriction(t *testing.T) {
	g, api, _ := newTestGateway(nil)
	admin := access.Principal{ID: "root", IsAdmin: true}
	if _, err := g.Execute(context.Background(), admin, "A", "db", ExecRequest{Cmd: "ps"}); err != nil {
		t.Fatal(err)
	}
	if len(api.execArgv) != 1 {
		t.Fatal("admin exec not dispatched")
	}
}

func TestAction(t *testing.T) {
	g, api, _ := newTestGateway(nil)

	sum, err := g.Action(context.Background(), user, "A", "web", hostapi.ActionRestart)
	if err != nil {
		t.Fatal(err)
	}
	if sum.DockerID != "web" || sum.ContainerState != "running" || sum.ServerID == nil || *sum.ServerID != "s1" {
		t.Fatalf("summary = %+v", sum)
	}
	if !reflect.DeepEqual(api.actions, []hostapi.Action{hostapi.ActionRestart}) {
		t.Fatalf("actions = %v", api.actions)
	}

	if _, err := g.Action(context.Background(), user, "A", "db", hostapi.ActionStop); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("restricted action error = %v", err)
	}
}

func TestRemove(t *testing.T) {
	g, api, inv := newTestGateway(nil)

	if _, err := g.Remove(context.Background(), " "); !errors.Is(err, ErrDockerIDRequired) {
		t.Fatalf("blank id error = %v", err)
	}
	if _, err := g.Remove(context.Background(), "ghost"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("unknown id error = %v", err)
	}

	res, err := g.Remove(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Removed || !reflect.DeepEqual(api.removed, []string{"web"}) {
		t.Fatalf("remove result %+v, calls %v", res, api.removed)
	}
	if _, ok := inv.Container("A", "web"); ok {
		t.Fatal("removed container still in snapshot")
	}
}

func TestInventoryHosts(t *testing.T) {
	inv := inventory.New(time.Second)
	inv.UpsertHost(inventory.Host{Label: "A", APIBaseURL: "http://a"})
	hosts := InventoryHosts(inv)

	if _, ok := hosts.HostAPI("A"); !ok {
		t.Fatal("registered host has no API")
	}
	if _, ok := hosts.HostAPI("B"); ok {
		t.Fatal("unknown host has an API")
	}
}
