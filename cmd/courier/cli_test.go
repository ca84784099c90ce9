package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/courier/internal/api"
	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/directory"
	"github.com/hpungsan/courier/internal/dispatch"
	"github.com/hpungsan/courier/internal/logging"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/platform/platformtest"
	"github.com/hpungsan/courier/internal/rpc"
	"github.com/hpungsan/courier/internal/rules"
	"github.com/hpungsan/courier/internal/session"
)

// startDaemon serves the RPC surface and runs the relay engine over an
// in-memory transport.
func startDaemon(t *testing.T) (*httptest.Server, *platformtest.Transport) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	log := logging.Discard()
	tr := platformtest.New()
	sess := session.New(tr, database, log)
	store := rules.New(database, log)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	engine := dispatch.New(dispatch.Config{}, store, tr, sess, dispatch.Options{Logger: log})
	dir := directory.New(tr, database, sess, directory.Options{Backlog: engine, Logger: log})
	svc := api.New(api.Deps{Session: sess, Directory: dir, Rules: store, Engine: engine, DB: database, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ts := httptest.NewServer(rpc.NewServer(svc, rpc.Options{Logger: log}).Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// run executes the CLI against addr and returns what it printed.
func run(t *testing.T, addr, stdin string, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.Reader = strings.NewReader(stdin)

	argv := append([]string{"courier", "--addr", addr, "--home", t.TempDir()}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	return v
}

func login(t *testing.T, addr string) {
	t.Helper()
	if _, err := run(t, addr, "12345\n", "login", "--phone", "+15550100"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
}

func TestCLILogin(t *testing.T) {
	ts, _ := startDaemon(t)

	out, err := run(t, ts.URL, "+15550100\n12345\n", "login")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	status := decode(t, out)
	if status["authorized"] != true {
		t.Errorf("authorized = %v, want true", status["authorized"])
	}

	// A second login reports the existing session without prompting.
	out, err = run(t, ts.URL, "", "login")
	if err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if decode(t, out)["state"] != "authorized" {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestCLILoginWithPassword(t *testing.T) {
	ts, tr := startDaemon(t)
	tr.VerifyCodeFunc = func(context.Context, string, string, string) (*platform.User, error) {
		return nil, platform.ErrPasswordRequired
	}
	var gotPassword string
	tr.SubmitPasswordFunc = func(_ context.Context, password string) (*platform.User, error) {
		gotPassword = password
		u := platformtest.DefaultUser
		return &u, nil
	}

	out, err := run(t, ts.URL, "12345\nhunter2\n", "login", "-p", "+15550100")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if gotPassword != "hunter2" {
		t.Errorf("password = %q, want hunter2", gotPassword)
	}
	if decode(t, out)["authorized"] != true {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestCLILoginWrongCode(t *testing.T) {
	ts, _ := startDaemon(t)

	_, err := run(t, ts.URL, "00000\n", "login", "--phone", "+15550100")
	if err == nil {
		t.Fatal("expected error for wrong code")
	}
	if !strings.HasPrefix(err.Error(), "[INVALID_CODE]") {
		t.Errorf("error = %q, want [INVALID_CODE] prefix", err.Error())
	}
}

func TestCLIRules(t *testing.T) {
	ts, tr := startDaemon(t)
	login(t, ts.URL)

	out, err := run(t, ts.URL, "", "rules", "create",
		"--source-id", "100", "--source-name", "Alerts", "--source-hash", "11",
		"--target-id", "200", "--target-name", "Ops", "--target-hash", "22",
		"--pattern", "(?i)deploy")
	if err != nil {
		t.Fatalf("rules create failed: %v", err)
	}
	created := decode(t, out)
	id, _ := created["id"].(float64)
	if id == 0 {
		t.Fatalf("created rule has no id: %s", out)
	}
	if created["enabled"] != true {
		t.Errorf("new rule enabled = %v, want true", created["enabled"])
	}
	if created["source_hash"] != "11" || created["target_hash"] != "22" {
		t.Errorf("hashes not stored: %s", out)
	}
	idArg := strconv.FormatInt(int64(id), 10)

	waitFor(t, func() bool { return tr.Subscriptions() > 0 })
	tr.Push(platform.IncomingMessage{ID: 9, Source: platform.PeerRef{ID: 100, Kind: platform.KindChannel}, Text: "Deploy finished"})
	relays := tr.WaitRelays(1, 2*time.Second)
	if len(relays) != 1 || relays[0].Target.ID != 200 || relays[0].Target.AccessHash != 22 {
		t.Fatalf("relays = %+v, want one to channel 200", relays)
	}

	out, err = run(t, ts.URL, "", "rules", "disable", idArg)
	if err != nil {
		t.Fatalf("rules disable failed: %v", err)
	}
	if decode(t, out)["enabled"] != false {
		t.Errorf("disabled rule still enabled: %s", out)
	}

	out, err = run(t, ts.URL, "", "rules", "update", "--pattern", "rollback", idArg)
	if err != nil {
		t.Fatalf("rules update failed: %v", err)
	}
	updated := decode(t, out)
	if updated["match_pattern"] != "rollback" || updated["target_name"] != "Ops" {
		t.Errorf("update changed the wrong fields: %s", out)
	}

	out, err = run(t, ts.URL, "", "rules", "list")
	if err != nil {
		t.Fatalf("rules list failed: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("failed to parse list: %v\nOutput: %s", err, out)
	}
	if len(list) != 1 {
		t.Errorf("rules list has %d entries, want 1", len(list))
	}

	if _, err := run(t, ts.URL, "", "rules", "delete", idArg); err != nil {
		t.Fatalf("rules delete failed: %v", err)
	}
	_, err = run(t, ts.URL, "", "rules", "get", idArg)
	if err == nil || !strings.HasPrefix(err.Error(), "[RULE_NOT_FOUND]") {
		t.Errorf("get after delete: err = %v, want [RULE_NOT_FOUND]", err)
	}
}

func TestCLIErrorHandling(t *testing.T) {
	ts, _ := startDaemon(t)

	t.Run("not authorized", func(t *testing.T) {
		_, err := run(t, ts.URL, "", "rules", "list")
		if err == nil {
			t.Fatal("expected error before login")
		}
		if !strings.HasPrefix(err.Error(), "[NOT_AUTHORIZED]") {
			t.Errorf("error = %q", err.Error())
		}
		exitErr, ok := err.(cli.ExitCoder)
		if !ok || exitErr.ExitCode() != 1 {
			t.Errorf("error %T is not an exit code 1", err)
		}
	})

	t.Run("missing rule id", func(t *testing.T) {
		_, err := run(t, ts.URL, "", "rules", "get")
		if err == nil || !strings.HasPrefix(err.Error(), "[INVALID_REQUEST]") {
			t.Errorf("err = %v, want [INVALID_REQUEST]", err)
		}
	})

	t.Run("daemon unreachable", func(t *testing.T) {
		_, err := run(t, "127.0.0.1:1", "", "status")
		if err == nil || !strings.Contains(err.Error(), "daemon unreachable") {
			t.Errorf("err = %v, want daemon unreachable", err)
		}
	})
}

func TestCLIReadCommands(t *testing.T) {
	ts, tr := startDaemon(t)
	login(t, ts.URL)
	tr.SetPeers(platform.Peer{PeerRef: platform.PeerRef{ID: 100, Kind: platform.KindChannel, AccessHash: 7}, Name: "Alerts"})

	out, err := run(t, ts.URL, "", "dialogs", "--limit", "5")
	if err != nil {
		t.Fatalf("dialogs failed: %v", err)
	}
	if !strings.Contains(out, `"Alerts"`) {
		t.Errorf("dialogs output missing peer: %s", out)
	}

	for _, args := range [][]string{
		{"status"},
		{"engine"},
		{"relays", "--failed"},
		{"history", "--peer-id", "100", "--access-hash", "7"},
	} {
		if _, err := run(t, ts.URL, "", args...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}
}

func TestRemoteCaller(t *testing.T) {
	ts, _ := startDaemon(t)
	r := remote{client: rpc.NewClient(ts.URL)}

	res, err := r.Call(context.Background(), "auth.status", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	raw, ok := res.(json.RawMessage)
	if !ok {
		t.Fatalf("result type = %T, want json.RawMessage", res)
	}
	if !strings.Contains(string(raw), `"unauthenticated"`) {
		t.Errorf("unexpected result: %s", raw)
	}

	_, err = r.Call(context.Background(), "rules.list", json.RawMessage(`{}`))
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != "NOT_AUTHORIZED" {
		t.Errorf("err = %v, want NOT_AUTHORIZED rpc error", err)
	}
}

func TestHomeDir(t *testing.T) {
	app := newCLIApp()
	var got string
	app.Commands = []*cli.Command{{
		Name: "where",
		Action: func(c *cli.Context) error {
			var err error
			got, err = homeDir(c)
			return err
		},
	}}
	if err := app.Run([]string{"courier", "--home", "/tmp/courier-test", "where"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got != "/tmp/courier-test" {
		t.Errorf("homeDir = %q", got)
	}
}
