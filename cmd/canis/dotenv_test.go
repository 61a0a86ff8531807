// ABOUTME: Tests for the .env file loader that reads KEY=VALUE pairs into the process environment.
// ABOUTME: Covers plain values, quoted values, comments, no-clobber behavior, and missing files.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempEnv(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	path := writeTempEnv(t, "TEST_CANIS_A=hello\nTEST_CANIS_B=world\n")
	t.Setenv("TEST_CANIS_A", "")
	t.Setenv("TEST_CANIS_B", "")
	os.Unsetenv("TEST_CANIS_A")
	os.Unsetenv("TEST_CANIS_B")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_A"); got != "hello" {
		t.Errorf("expected TEST_CANIS_A=hello, got %q", got)
	}
	if got := os.Getenv("TEST_CANIS_B"); got != "world" {
		t.Errorf("expected TEST_CANIS_B=world, got %q", got)
	}
}

func TestLoadDotEnvQuotedValues(t *testing.T) {
	path := writeTempEnv(t, "TEST_CANIS_Q=\"double quoted\"\nTEST_CANIS_S='single quoted'\n")
	t.Setenv("TEST_CANIS_Q", "")
	t.Setenv("TEST_CANIS_S", "")
	os.Unsetenv("TEST_CANIS_Q")
	os.Unsetenv("TEST_CANIS_S")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_Q"); got != "double quoted" {
		t.Errorf("expected TEST_CANIS_Q='double quoted', got %q", got)
	}
	if got := os.Getenv("TEST_CANIS_S"); got != "single quoted" {
		t.Errorf("expected TEST_CANIS_S='single quoted', got %q", got)
	}
}

func TestLoadDotEnvSkipsCommentsAndEmptyLines(t *testing.T) {
	path := writeTempEnv(t, "# a comment\n\nTEST_CANIS_C=yes\n\n# another\n")
	t.Setenv("TEST_CANIS_C", "")
	os.Unsetenv("TEST_CANIS_C")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_C"); got != "yes" {
		t.Errorf("expected TEST_CANIS_C=yes, got %q", got)
	}
}

func TestLoadDotEnvDoesNotClobberExisting(t *testing.T) {
	path := writeTempEnv(t, "TEST_CANIS_X=from_file")
	t.Setenv("TEST_CANIS_X", "already_set")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_X"); got != "already_set" {
		t.Errorf("expected existing env var to be preserved, got %q", got)
	}
}

func TestLoadDotEnvMissingFileIsNoOp(t *testing.T) {
	// Should not panic or error when the file doesn't exist.
	loadDotEnv("/tmp/this-env-file-definitely-does-not-exist")
}

func TestLoadDotEnvExportPrefix(t *testing.T) {
	path := writeTempEnv(t, "export TEST_CANIS_EX=exported\n")
	t.Setenv("TEST_CANIS_EX", "")
	os.Unsetenv("TEST_CANIS_EX")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_EX"); got != "exported" {
		t.Errorf("expected TEST_CANIS_EX=exported, got %q", got)
	}
}

func TestLoadEnvFilesReadsConfigDir(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	canisDir := filepath.Join(configHome, "canis")
	if err := os.MkdirAll(canisDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(canisDir, "config.env"), []byte("TEST_CANIS_CFG=from_config_dir\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_CANIS_CFG", "")
	os.Unsetenv("TEST_CANIS_CFG")

	loadEnvFiles()

	if got := os.Getenv("TEST_CANIS_CFG"); got != "from_config_dir" {
		t.Errorf("expected TEST_CANIS_CFG=from_config_dir, got %q", got)
	}
}

func TestLoadDotEnvValueWithEquals(t *testing.T) {
	path := writeTempEnv(t, "TEST_CANIS_EQ=a=b=c\n")
	t.Setenv("TEST_CANIS_EQ", "")
	os.Unsetenv("TEST_CANIS_EQ")

	loadDotEnv(path)

	if got := os.Getenv("TEST_CANIS_EQ"); got != "a=b=c" {
		t.Errorf("expected TEST_CANIS_EQ=a=b=c, got %q", got)
	}
}
