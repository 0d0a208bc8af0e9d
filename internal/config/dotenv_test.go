package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDotenv(t *testing.T) {
	path := writeDotenv(t, `
# comment line
TASKHUB_TEST_A=plain
TASKHUB_TEST_B="double quoted"
TASKHUB_TEST_C='single quoted'
malformed line without equals
`)

	t.Setenv("TASKHUB_TEST_A", "")
	os.Unsetenv("TASKHUB_TEST_A")
	t.Setenv("TASKHUB_TEST_B", "")
	os.Unsetenv("TASKHUB_TEST_B")
	t.Setenv("TASKHUB_TEST_C", "")
	os.Unsetenv("TASKHUB_TEST_C")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	if got := os.Getenv("TASKHUB_TEST_A"); got != "plain" {
		t.Errorf("A: got %q", got)
	}
	if got := os.Getenv("TASKHUB_TEST_B"); got != "double quoted" {
		t.Errorf("B: got %q", got)
	}
	if got := os.Getenv("TASKHUB_TEST_C"); got != "single quoted" {
		t.Errorf("C: got %q", got)
	}
}

func TestLoadDotenv_NoOverride(t *testing.T) {
	path := writeDotenv(t, "TASKHUB_TEST_KEEP=from_file\n")

	t.Setenv("TASKHUB_TEST_KEEP", "from_env")
	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TASKHUB_TEST_KEEP"); got != "from_env" {
		t.Errorf("expected existing value kept, got %q", got)
	}
}

func TestReloadDotenv_Overrides(t *testing.T) {
	path := writeDotenv(t, "TASKHUB_TEST_SWAP=new\n")

	t.Setenv("TASKHUB_TEST_SWAP", "old")
	if err := ReloadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TASKHUB_TEST_SWAP"); got != "new" {
		t.Errorf("expected override, got %q", got)
	}
}

func TestLoadDotenv_MissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}
