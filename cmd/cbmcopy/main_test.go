package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cbmcopy/internal/version"
)

const d64Size = 683 * 256

func writeImage(t *testing.T, path string, errorMap []byte) []byte {
	t.Helper()
	raw := make([]byte, d64Size)
	for i := range raw {
		raw[i] = byte(i / 256)
	}
	if err := os.WriteFile(path, append(append([]byte(nil), raw...), errorMap...), 0o644); err != nil {
		t.Fatal(err)
	}
	return raw
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestImageToImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.d64")
	raw := writeImage(t, src, nil)
	dst := filepath.Join(dir, "dst.d64")

	code, out, errOut := runCmd(t, "-q", src, dst)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if out != "" {
		t.Fatalf("quiet run printed %q", out)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("destination differs from source")
	}
}

func TestProgressLines(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.d64")
	writeImage(t, src, nil)
	code, out, errOut := runCmd(t, "-s", "2", "-e", "3", src, filepath.Join(dir, "dst.d64"))
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("output %q", out)
	}
	if lines[0] != "  2: "+strings.Repeat("*", 21) || lines[1] != "  3: "+strings.Repeat("*", 21) {
		t.Fatalf("disk map %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "42 of 42 blocks copied, 0 errors") {
		t.Fatalf("summary %q", lines[2])
	}
}

func TestStrictWarnings(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.d64")
	em := bytes.Repeat([]byte{1}, 683)
	em[0] = 5
	writeImage(t, src, em)

	if code, _, errOut := runCmd(t, "-q", src, filepath.Join(dir, "a.d64")); code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	code, _, errOut := runCmd(t, "-q", "--strict", src, filepath.Join(dir, "b.d64"))
	if code != exitWarnings {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "could not be copied") {
		t.Fatalf("stderr %q", errOut)
	}
	fi, err := os.Stat(filepath.Join(dir, "b.d64"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != d64Size+683 {
		t.Fatalf("destination size %d, want an error map", fi.Size())
	}
}

func TestSimDrive(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.d64")
	raw := writeImage(t, img, nil)
	dst := filepath.Join(dir, "out.d64")

	code, _, errOut := runCmd(t, "-q", "--adapter", "sim:"+img, "-e", "2", "8", dst)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:42*256], raw[:42*256]) {
		t.Fatal("tracks 1-2 differ")
	}

	code, _, errOut = runCmd(t, "-q", "--adapter", "sim:"+img, "-e", "1", "9", dst)
	if code != exitFatal {
		t.Fatalf("absent drive: exit %d: %s", code, errOut)
	}
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.d64")
	writeImage(t, src, nil)
	dst := filepath.Join(dir, "dst.d64")
	cases := []struct {
		name string
		args []string
	}{
		{"one arg", []string{src}},
		{"unknown flag", []string{"--bogus", src, dst}},
		{"drive number", []string{"5", dst}},
		{"drive to drive", []string{"8", "9"}},
		{"transfer", []string{"-t", "fast", src, dst}},
		{"warp", []string{"-w", "--no-warp", src, dst}},
		{"format", []string{"-f", "t64", src, dst}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, _, errOut := runCmd(t, c.args...)
			if code != exitUsage {
				t.Fatalf("exit %d: %s", code, errOut)
			}
			if !strings.Contains(errOut, "--help") {
				t.Fatalf("stderr %q", errOut)
			}
		})
	}
}

func TestFatal(t *testing.T) {
	dir := t.TempDir()
	code, _, errOut := runCmd(t, "-q", filepath.Join(dir, "none.d64"), filepath.Join(dir, "dst.d64"))
	if code != exitFatal {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "none.d64") {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestSubcommands(t *testing.T) {
	code, out, _ := runCmd(t, "modes")
	if code != exitOK || !strings.Contains(out, "serial2") || !strings.Contains(out, "s2") {
		t.Fatalf("modes: exit %d, %q", code, out)
	}
	code, out, _ = runCmd(t, "version")
	if code != exitOK || !strings.Contains(out, version.Version) {
		t.Fatalf("version: exit %d, %q", code, out)
	}
}
