package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxflow/pkg/audio"
)

var testSpec = audio.Spec{Format: audio.FormatPCM16Raw, SampleRate: 16000, Channels: 1}

// buildWAV assembles a minimal RIFF container around pcm.
func buildWAV(t *testing.T, sampleRate, channels int, pcm []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	putU16 := func(v uint16) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	putU32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	putU32(uint32(36 + len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	putU32(16)
	putU16(1)
	putU16(uint16(channels))
	putU32(uint32(sampleRate))
	putU32(uint32(sampleRate * channels * 2))
	putU16(uint16(channels * 2))
	putU16(16)
	buf.WriteString("data")
	putU32(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// stubCLI is a fake Piper binary written as a shell script. It records its
// argv and stdin, then copies the given WAV fixture to --output_file (or to
// stdout when the path is "-").
type stubCLI struct {
	bin       string
	model     string
	argsPath  string
	stdinPath string
}

func newStubCLI(t *testing.T, wav []byte) stubCLI {
	t.Helper()

	dir := t.TempDir()
	s := stubCLI{
		bin:       filepath.Join(dir, "piper"),
		model:     filepath.Join(dir, "voice.onnx"),
		argsPath:  filepath.Join(dir, "argv.txt"),
		stdinPath: filepath.Join(dir, "stdin.txt"),
	}
	fixture := filepath.Join(dir, "fixture.wav")
	if err := os.WriteFile(fixture, wav, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(s.model, []byte("onnx"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	script := fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$@" > %q
cat > %q
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output_file" ]; then out="$a"; fi
  prev="$a"
done
if [ "$out" = "-" ]; then cat %q; else cp %q "$out"; fi
`, s.argsPath, s.stdinPath, fixture, fixture)
	if err := os.WriteFile(s.bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}
	return s
}

func (s stubCLI) argv(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(s.argsPath)
	if err != nil {
		t.Fatalf("read argv: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestSynthesizeFileMode(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x0a, 0x0b}, 50)
	stub := newStubCLI(t, buildWAV(t, 16000, 1, pcm))

	e, err := New(stub.bin, stub.model)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := e.SynthesizePCM16(context.Background(), "你好，世界", testSpec)
	if err != nil {
		t.Fatalf("SynthesizePCM16() error = %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("returned %d bytes, want stripped payload of %d", len(got), len(pcm))
	}

	argv := stub.argv(t)
	if argv[0] != "--model" || argv[1] != stub.model {
		t.Errorf("argv = %v, want --model %s first", argv, stub.model)
	}
	foundOut := false
	for i, a := range argv {
		if a == "--output_file" {
			foundOut = true
			if i+1 >= len(argv) || argv[i+1] == "-" {
				t.Errorf("file mode must pass a path to --output_file, argv = %v", argv)
			}
		}
	}
	if !foundOut {
		t.Errorf("argv = %v, missing --output_file", argv)
	}

	stdin, err := os.ReadFile(stub.stdinPath)
	if err != nil {
		t.Fatalf("read stdin capture: %v", err)
	}
	if string(stdin) != "你好，世界\n" {
		t.Errorf("stdin = %q, want text with trailing newline", stdin)
	}
}

func TestSynthesizeStdoutMode(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 30)
	stub := newStubCLI(t, buildWAV(t, 16000, 1, pcm))

	e, err := New(stub.bin, stub.model, WithOutputMode(OutputModeStdout))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := e.SynthesizePCM16(context.Background(), "hi", testSpec)
	if err != nil {
		t.Fatalf("SynthesizePCM16() error = %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("returned %d bytes, want %d", len(got), len(pcm))
	}

	argv := stub.argv(t)
	dashSeen := false
	for i, a := range argv {
		if a == "--output_file" && i+1 < len(argv) && argv[i+1] == "-" {
			dashSeen = true
		}
	}
	if !dashSeen {
		t.Errorf("argv = %v, want --output_file -", argv)
	}
}

func TestSynthesizeSpeakerAndExtraArgs(t *testing.T) {
	stub := newStubCLI(t, buildWAV(t, 16000, 1, []byte{0, 0}))

	e, err := New(stub.bin, stub.model, WithSpeaker(3), WithExtraArgs("--length_scale", "1.2"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.SynthesizePCM16(context.Background(), "hi", testSpec); err != nil {
		t.Fatalf("SynthesizePCM16() error = %v", err)
	}

	argv := strings.Join(stub.argv(t), " ")
	if !strings.Contains(argv, "--speaker 3") {
		t.Errorf("argv = %q, missing --speaker 3", argv)
	}
	if !strings.Contains(argv, "--length_scale 1.2") {
		t.Errorf("argv = %q, missing extra args", argv)
	}
}

func TestSynthesizeRejectsWrongModelRate(t *testing.T) {
	stub := newStubCLI(t, buildWAV(t, 22050, 1, []byte{0, 0}))

	e, err := New(stub.bin, stub.model)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.SynthesizePCM16(context.Background(), "hi", testSpec); !errors.Is(err, audio.ErrSpecMismatch) {
		t.Errorf("error = %v, want ErrSpecMismatch", err)
	}
}

func TestSynthesizeCLIFailure(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "piper")
	script := "#!/bin/sh\ncat > /dev/null\necho 'model load failed' >&2\nexit 1\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	e, err := New(bin, filepath.Join(dir, "voice.onnx"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = e.SynthesizePCM16(context.Background(), "hi", testSpec)
	if err == nil {
		t.Fatal("expected error from failing CLI")
	}
	if !strings.Contains(err.Error(), "model load failed") {
		t.Errorf("error = %v, want stderr carried into message", err)
	}
}

func TestCheck(t *testing.T) {
	stub := newStubCLI(t, buildWAV(t, 16000, 1, []byte{0, 0}))

	e, err := New(stub.bin, stub.model)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Check(context.Background()); err != nil {
		t.Errorf("Check() = %v, want nil with binary and model present", err)
	}

	missing, err := New(filepath.Join(t.TempDir(), "nope"), stub.model)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := missing.Check(context.Background()); err == nil {
		t.Error("Check() = nil, want error for missing binary")
	}
}

func TestInfoReportsModelSampleRate(t *testing.T) {
	stub := newStubCLI(t, buildWAV(t, 16000, 1, []byte{0, 0}))
	sidecar := stub.model + ".json"
	if err := os.WriteFile(sidecar, []byte(`{"audio":{"sample_rate":22050}}`), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	e, err := New(stub.bin, stub.model)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	info := e.Info()
	if got := info["model_sample_rate"]; got != 22050 {
		t.Errorf("model_sample_rate = %v, want 22050", got)
	}
	if got := info["piper_binary_exists"]; got != true {
		t.Errorf("piper_binary_exists = %v, want true", got)
	}
	if got := info["piper_model_exists"]; got != true {
		t.Errorf("piper_model_exists = %v, want true", got)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "model"); err == nil {
		t.Error("New with empty binary expected error")
	}
	if _, err := New("bin", ""); err == nil {
		t.Error("New with empty model expected error")
	}
	if _, err := New("bin", "model", WithOutputMode("pipe")); err == nil {
		t.Error("New with invalid output mode expected error")
	}
}
