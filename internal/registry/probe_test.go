package registry

import (
	"context"
	"testing"

	"github.com/BadgerOps/regpull/internal/auth"
	"github.com/BadgerOps/regpull/internal/registry/registrytest"
)

func TestClientPing(t *testing.T) {
	open := registrytest.New(t)
	c, err := newTestClient(t, open).Ping(context.Background())
	if err != nil || c != nil {
		t.Errorf("anonymous ping = %v, %v; want nil, nil", c, err)
	}

	locked := registrytest.New(t)
	locked.Token = "tok"
	c, err = newTestClient(t, locked).Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil || c.Scheme != auth.SchemeBearer || c.Service != "registrytest" {
		t.Errorf("unexpected challenge: %+v", c)
	}
}

func TestProbeSortsFailuresLast(t *testing.T) {
	open := registrytest.New(t)
	locked := registrytest.New(t)
	locked.Token = "tok"
	gone := registrytest.New(t)
	goneHost := gone.Host()
	gone.Close()

	var clients []*Client
	for _, host := range []string{goneHost, open.Host(), locked.Host()} {
		c, err := NewClient(Options{Host: host, Logger: testLogger()})
		if err != nil {
			t.Fatalf("NewClient(%s): %v", host, err)
		}
		clients = append(clients, c)
	}

	results := Probe(context.Background(), clients)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[2].Host != goneHost || results[2].Error == "" {
		t.Errorf("expected unreachable registry last with an error, got %+v", results[2])
	}
	byHost := map[string]ProbeResult{}
	for _, r := range results[:2] {
		if r.Error != "" {
			t.Errorf("unexpected error for %s: %s", r.Host, r.Error)
		}
		byHost[r.Host] = r
	}
	if byHost[open.Host()].Auth != "anonymous" {
		t.Errorf("open registry auth = %q", byHost[open.Host()].Auth)
	}
	if got := byHost[locked.Host()]; got.Auth != "Bearer" || got.Realm != locked.URL+"/token" {
		t.Errorf("locked registry = %+v", got)
	}
}
