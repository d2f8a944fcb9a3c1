package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/finsight-ai/finsight/internal/config"
)

func TestRootCmdWiring(t *testing.T) {
	root := buildRootCmd()

	want := map[string]bool{"serve": false, "token": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestTokenCmdRequiresSecret(t *testing.T) {
	root := buildRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"token", "--user", "u1"})

	// The default config runs in anonymous mode with no signing secret.
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("err = %v, expected missing secret error", err)
	}
}

func TestOpenStoreBackends(t *testing.T) {
	cfg := config.Default()

	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	store.Close()

	cfg.Sessions.Backend = "sqlite"
	cfg.Sessions.SQLitePath = filepath.Join(t.TempDir(), "finsight.db")
	store, err = openStore(cfg)
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	store.Close()

	cfg.Sessions.Backend = "cassandra"
	if _, err := openStore(cfg); err == nil {
		t.Error("unknown backend accepted")
	}
}
