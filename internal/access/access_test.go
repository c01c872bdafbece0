package access

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeContainers map[string]map[string]ContainerRef

func (f fakeContainers) HasHost(hostLabel string) bool {
	_, ok := f[hostLabel]
	return ok
}

func (f fakeContainers) ContainerRef(hostLabel, dockerID string) (ContainerRef, bool) {
	ref, ok := f[hostLabel][dockerID]
	return ref, ok
}

type fakeRules struct {
	restricted map[string]bool
	allow      map[[2]string]bool
	err        error
	calls      int
	mu         sync.Mutex
}

func (f *fakeRules) IsRestricted(_ context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.restricted[containerID], nil
}

func (f *fakeRules) HasAllowEntry(_ context.Context, principalID, containerID string) (bool, error) {
	return f.allow[[2]string{principalID, containerID}], nil
}

func newTestResolver() (*Resolver, *fakeRules) {
	containers := fakeContainers{
		"A": {
			"open":   {HostLabel: "A", DockerID: "open", ServerID: "srv-1"},
			"locked": {HostLabel: "A", DockerID: "locked", ServerID: "srv-1"},
		},
		"B": {},
	}
	rules := &fakeRules{
		restricted: map[string]bool{"locked": true},
		allow:      map[[2]string]bool{{"u-allowed", "locked"}: true},
	}
	return NewResolver(containers, rules), rules
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		principal Principal
		host      string
		container string
		wantErr   error
	}{
		{name: "admin on restricted", principal: Principal{ID: "root", IsAdmin: true}, host: "A", container: "locked"},
		{name: "user on open", principal: Principal{ID: "u1"}, host: "A", container: "open"},
		{name: "user on restricted without entry", principal: Principal{ID: "u1"}, host: "A", container: "locked", wantErr: ErrForbidden},
		{name: "user on restricted with entry", principal: Principal{ID: "u-allowed"}, host: "A", container: "locked"},
		{name: "unknown host", principal: Principal{ID: "u1"}, host: "Z", container: "open", wantErr: ErrNotFound},
		{name: "unknown container", principal: Principal{ID: "u1"}, host: "B", container: "open", wantErr: ErrNotFound},
		{name: "admin still needs a live container", principal: Principal{ID: "root", IsAdmin: true}, host: "A", container: "gone", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver()
			ref, err := r.Resolve(context.Background(), tt.principal, tt.host, tt.container)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.DockerID != tt.container || ref.HostLabel != tt.host {
				t.Fatalf("unexpected ref %+v", ref)
			}
		})
	}
}

func TestResolveAdminSkipsRuleStore(t *testing.T) {
	r, rules := newTestResolver()
	rules.err = errors.New("db down")

	if _, err := r.Resolve(context.Background(), Principal{ID: "root", IsAdmin: true}, "A", "locked"); err != nil {
		t.Fatalf("admin resolve should not touch rules: %v", err)
	}
	if rules.calls != 0 {
		t.Fatalf("rule store called %d times for admin", rules.calls)
	}

	if _, err := r.Resolve(context.Background(), Principal{ID: "u1"}, "A", "open"); err == nil {
		t.Fatal("expected rule store error to propagate")
	}
}

func TestVisible(t *testing.T) {
	r, _ := newTestResolver()
	refs := []ContainerRef{
		{HostLabel: "A", DockerID: "open"},
		{HostLabel: "A", DockerID: "locked"},
	}

	got, err := r.Visible(context.Background(), Principal{ID: "u1"}, refs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DockerID != "open" {
		t.Fatalf("user u1 sees %+v", got)
	}

	got, _ = r.Visible(context.Background(), Principal{ID: "u-allowed"}, refs)
	if len(got) != 2 {
		t.Fatalf("allowed user sees %d containers, want 2", len(got))
	}
}

func TestResolveConcurrent(t *testing.T) {
	r, _ := newTestResolver()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), Principal{ID: "u1"}, "A", "open"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
}
