//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/runengine/internal/platform/auth"
)

const catalog = `schema: runengine.flows.v1
flow_versions:
  - id: e2e-granulation-v1
    flow_id: e2e-granulation
    version: 1
    status: PUBLISHED
    nodes:
      - id: dispense
      - id: blend
`

type client struct {
	t       *testing.T
	baseURL string
	secret  string
	roles   string
	seq     int
}

// do signs the request the way the gateway does before forwarding it.
func (c *client) do(method, path, body string, headers map[string]string) (int, map[string]any) {
	c.t.Helper()
	c.seq++
	requestID := fmt.Sprintf("e2e-%d", c.seq)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := auth.Sign(c.secret, auth.SignedRequest{
		Timestamp: ts,
		Method:    method,
		Path:      path,
		RequestID: requestID,
		Subject:   "e2e-operator",
		Roles:     c.roles,
	})
	if err != nil {
		c.t.Fatalf("sign: %v", err)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set(auth.HeaderSubject, "e2e-operator")
	req.Header.Set(auth.HeaderRoles, c.roles)
	req.Header.Set(auth.HeaderInternalAuthTimestamp, ts)
	req.Header.Set(auth.HeaderInternalAuthSignature, sig)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestRunLifecycle(t *testing.T) {
	infra := ensureInfra(t)
	bin := buildBinary(t)
	env := infra.env()

	runCommand(t, bin, env, "migrate")
	catalogPath := filepath.Join(t.TempDir(), "flows.yaml")
	if err := os.WriteFile(catalogPath, []byte(catalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	runCommand(t, bin, env, "flows", "import", catalogPath)

	addr := freeAddr(t)
	var out bytes.Buffer
	serve := exec.Command(bin, "serve")
	serve.Env = append(env, "RUNENGINE_HTTP_ADDR="+addr)
	serve.Stdout = &out
	serve.Stderr = &out
	if err := serve.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, serve, &out) })
	waitHTTP200(t, fmt.Sprintf("http://%s/readyz", addr), 10*time.Second)

	c := &client{t: t, baseURL: "http://" + addr, secret: infra.authSecret, roles: "admin"}
	key := map[string]string{"Idempotency-Key": "e2e-" + randomSecret(t, 8)}

	status, run := c.do(http.MethodPost, "/runs", `{"flow_version_id":"e2e-granulation-v1"}`, key)
	if status != http.StatusCreated {
		t.Fatalf("create status=%d body=%v\n%s", status, run, out.String())
	}
	id := run["id"].(string)
	if !strings.HasPrefix(run["run_code"].(string), "RUN-") || !strings.Contains(run["run_code"].(string), "-E2ET-") {
		t.Fatalf("run_code=%v", run["run_code"])
	}

	status, replay := c.do(http.MethodPost, "/runs", `{"flow_version_id":"e2e-granulation-v1"}`, key)
	if status != http.StatusOK || replay["id"] != id {
		t.Fatalf("replay status=%d body=%v", status, replay)
	}

	if status, body := c.do(http.MethodPost, "/runs/"+id+"/start", "", nil); status != http.StatusOK {
		t.Fatalf("start status=%d body=%v", status, body)
	}
	for i := 0; i < 10; i++ {
		if status, body := c.do(http.MethodPost, "/runs/"+id+"/advance", "", nil); status != http.StatusOK {
			t.Fatalf("advance %d status=%d body=%v", i+1, status, body)
		}
	}
	status, done := c.do(http.MethodPost, "/runs/"+id+"/complete", "", nil)
	if status != http.StatusOK || done["status"] != "COMPLETED" {
		t.Fatalf("complete status=%d body=%v", status, done)
	}

	status, steps := c.do(http.MethodGet, "/runs/"+id+"/steps", "", nil)
	if status != http.StatusOK || len(steps["steps"].([]any)) != 11 {
		t.Fatalf("steps status=%d body=%v", status, steps)
	}

	viewer := &client{t: t, baseURL: c.baseURL, secret: infra.authSecret, roles: "viewer"}
	if status, _ := viewer.do(http.MethodPost, "/runs/"+id+"/abort", `{"reason":"not allowed for viewers"}`, nil); status != http.StatusForbidden {
		t.Fatalf("viewer abort status=%d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	objects := 0
	for obj := range infra.minioClient(t).ListObjects(ctx, auditBucket, minio.ListObjectsOptions{Prefix: "audit/", Recursive: true}) {
		if obj.Err != nil {
			t.Fatalf("list audit objects: %v", obj.Err)
		}
		objects++
	}
	// create + start + 10 advances + complete
	if objects < 13 {
		t.Fatalf("exported audit objects=%d, want at least 13", objects)
	}
}
