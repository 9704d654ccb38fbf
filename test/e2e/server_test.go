package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond

	// slowPrime is the largest prime below 2^63; trial division takes seconds.
	slowPrime = "9223372036854775783"
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "csop-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "csop")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/csop")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"CSOP_LISTEN_ADDR="+addr,
		"CSOP_LOG_LEVEL=info",
		"CSOP_WORKER_MODE=process",
		"CSOP_NUM_WORKERS=2",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func postTask(t *testing.T, sp *serverProc, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+"/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Workers != 2 {
		t.Errorf("workers = %d, want 2 from CSOP_NUM_WORKERS", body.Workers)
	}
}

func TestExecuteInWorkerProcess(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, body := postTask(t, sp, `{"task":"fibonacci","data":{"n":10}}`)
	if status != 200 {
		t.Fatalf("status = %d, want 200\nbody: %v", status, body)
	}
	if body["result"] != float64(55) {
		t.Errorf("result = %v, want 55", body["result"])
	}
	if id, ok := body["id"].(string); !ok || len(id) != 26 {
		t.Errorf("id = %v, expected 26-char ULID", body["id"])
	}

	status, body = postTask(t, sp, `{"task":"nope"}`)
	if status != 422 {
		t.Errorf("unknown task status = %d, want 422", status)
	}
	if body["error_kind"] != "unknown_task" {
		t.Errorf("error_kind = %v, want unknown_task", body["error_kind"])
	}
}

func TestTimeoutRecyclesWorkerProcess(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, body := postTask(t, sp,
		`{"task":"isPrime","data":{"n":`+slowPrime+`},"options":{"timeout":200}}`)
	if status != 504 {
		t.Fatalf("status = %d, want 504\nbody: %v", status, body)
	}
	if body["error_kind"] != "timeout" {
		t.Errorf("error_kind = %v, want timeout", body["error_kind"])
	}

	// Both workers keep serving after the recycled process is replaced.
	for i := 0; i < 3; i++ {
		status, body = postTask(t, sp, `{"task":"sum","data":{"numbers":[1,2,3]}}`)
		if status != 200 {
			t.Fatalf("follow-up %d status = %d, want 200\nbody: %v", i, status, body)
		}
		if body["result"] != float64(6) {
			t.Errorf("follow-up %d result = %v, want 6", i, body["result"])
		}
	}
}

func TestMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	if status, body := postTask(t, sp, `{"task":"factorial","data":{"n":5}}`); status != 200 {
		t.Fatalf("status = %d, want 200\nbody: %v", status, body)
	}

	// Settled events reach the exporter asynchronously.
	var body string
	deadline := time.Now().Add(2 * time.Second)
	for {
		body = scrapeMetrics(t, sp)
		if strings.Contains(body, "csop_tasks_total") || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, name := range []string{
		"csop_http_requests_total",
		"csop_http_request_duration_seconds",
		`csop_tasks_total{status="completed",task_type="factorial"} 1`,
		"csop_busy_workers",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func scrapeMetrics(t *testing.T, sp *serverProc) string {
	t.Helper()
	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	// Poll for log output with a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}

func TestRunCommand(t *testing.T) {
	binary := getBinary(t)

	out, err := exec.Command(binary, "run", "hash_sha256", `{"message":"abc"}`).Output()
	if err != nil {
		t.Fatalf("csop run: %v", err)
	}
	want := `"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"`
	if got := strings.TrimSpace(string(out)); got != want {
		t.Errorf("output = %s, want %s", got, want)
	}

	if err := exec.Command(binary, "run", "nope").Run(); err == nil {
		t.Error("expected non-zero exit for unknown task")
	}
}
