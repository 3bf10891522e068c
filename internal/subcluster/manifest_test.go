package subcluster

import (
	"os"
	"path/filepath"
	"testing"
)

const manifestYAML = `system: true
bootstrap: alice
vats:
  alice:
    bundle_spec: "bundle://alice"
  bob:
    source_spec: "src://bob"
    parameters:
      mode: follower
services:
  - timer
`

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "pingpong.yaml", manifestYAML)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "pingpong" {
		t.Errorf("name = %q, want file base name", m.Name)
	}
	if !m.System {
		t.Error("system flag not parsed")
	}
	if m.Config.Bootstrap != "alice" {
		t.Errorf("bootstrap = %q", m.Config.Bootstrap)
	}
	if m.Config.Vats["bob"].Parameters["mode"] != "follower" {
		t.Errorf("bob parameters = %v", m.Config.Vats["bob"].Parameters)
	}
	if len(m.Config.Services) != 1 || m.Config.Services[0] != "timer" {
		t.Errorf("services = %v", m.Config.Services)
	}
	if m.Hash == "" {
		t.Error("content hash not recorded")
	}
}

func TestLoadManifestRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "broken.yaml", "bootstrap: ghost\nvats:\n  alice:\n    bundle_spec: x\n")

	if _, err := LoadManifest(path); err == nil {
		t.Fatal("bootstrap naming a missing vat must fail validation")
	}
}

func TestLoadManifestDir(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.yaml", manifestYAML)
	writeManifest(t, dir, "a.yml", "bootstrap: alice\nvats:\n  alice:\n    bundle_spec: x\n")
	writeManifest(t, dir, "ignored.txt", "not a manifest")

	manifests, err := LoadManifestDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 2 {
		t.Fatalf("loaded %d manifests, want 2", len(manifests))
	}
	if manifests[0].Name != "a" || manifests[1].Name != "b" {
		t.Errorf("order = %s, %s", manifests[0].Name, manifests[1].Name)
	}

	names := SystemNames(manifests)
	if !names["b"] || names["a"] {
		t.Errorf("system names = %v", names)
	}

	// Hash changes when the file changes.
	oldHash := manifests[1].Hash
	writeManifest(t, dir, "b.yaml", manifestYAML+"\n# touched\n")
	reloaded, err := LoadManifest(filepath.Join(dir, "b.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Hash == oldHash {
		t.Error("hash did not change with content")
	}
}

func TestLoadManifestDirMissing(t *testing.T) {
	manifests, err := LoadManifestDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || manifests != nil {
		t.Fatalf("missing dir: manifests=%v err=%v, want nil/nil", manifests, err)
	}
}
