package api

import (
	"context"
	"encoding/base64"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/terminal"
	"github.com/gantrylabs/gantry/pkg/types"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEventFrame(t *testing.T, conn *websocket.Conn) eventFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame eventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read event frame: %v", err)
	}
	return frame
}

func TestEventSubscribeStream(t *testing.T) {
	ts := newTestServer(t, 4)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/events/subscribe")

	if err := conn.WriteJSON(eventControlMsg{Action: "subscribe", RunIDs: []string{"run-1"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	// The filter mutation races the publish below without a sync point;
	// wait for the receiver to be live.
	waitFor(t, func() bool { return ts.bus.ReceiverCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	if _, err := ts.bus.Publish(types.JobEvent{
		RunID: "run-1",
		Event: types.RuntimeEvent{Type: types.EventAssistantDelta, Content: "hello"},
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	frame := readEventFrame(t, conn)
	if frame.Type != "job_event" || frame.Event == nil {
		t.Fatalf("frame = %+v, expected a job_event", frame)
	}
	if frame.Event.RunID != "run-1" || frame.Event.Event.Content != "hello" {
		t.Errorf("event = %+v", frame.Event)
	}
	if frame.Event.DeliveryID == 0 {
		t.Error("delivered event is missing its delivery id")
	}
}

func TestEventSubscribeFilters(t *testing.T) {
	ts := newTestServer(t, 4)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/events/subscribe")
	if err := conn.WriteJSON(eventControlMsg{Action: "subscribe", RunIDs: []string{"run-wanted"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return ts.bus.ReceiverCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	for _, runID := range []string{"run-other", "run-wanted"} {
		if _, err := ts.bus.Publish(types.JobEvent{
			RunID: runID,
			Event: types.RuntimeEvent{Type: types.EventLog, Content: runID},
		}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	frame := readEventFrame(t, conn)
	if frame.Event == nil || frame.Event.RunID != "run-wanted" {
		t.Fatalf("frame = %+v, expected only the subscribed run", frame)
	}
}

func TestEventSubscribeRuntimeStatus(t *testing.T) {
	ts := newTestServer(t, 4)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/events/subscribe")
	if err := conn.WriteJSON(eventControlMsg{Action: "subscribe"}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return ts.bus.ReceiverCount() == 1 })

	ts.bus.PublishStatus(bus.StatusChange{
		RuntimeID: "opencode",
		From:      types.HealthHealthy,
		To:        types.HealthDegraded,
	})

	frame := readEventFrame(t, conn)
	if frame.Type != "runtime_status" || frame.Status == nil {
		t.Fatalf("frame = %+v, expected a runtime_status", frame)
	}
	if frame.Status.RuntimeID != "opencode" || frame.Status.To != types.HealthDegraded {
		t.Errorf("status = %+v", frame.Status)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// Terminal websocket fixtures. The exec engine is stubbed out; output is
// produced by writing to the session directly, the way a real exec
// process streams its stdout.

type fakeProcess struct {
	done chan struct{}
}

func (p *fakeProcess) Resize(ctx context.Context, cols, rows int) error { return nil }
func (p *fakeProcess) Wait(ctx context.Context) error {
	<-p.done
	return nil
}
func (p *fakeProcess) Close(ctx context.Context) error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

type fakeExecEngine struct {
	stdin  io.Reader
	stdout io.Writer
}

func (e *fakeExecEngine) Exec(ctx context.Context, containerID, execID string, cols, rows int, stdin io.Reader, stdout io.Writer) (terminal.Process, error) {
	e.stdin = stdin
	e.stdout = stdout
	return &fakeProcess{done: make(chan struct{})}, nil
}

func readTerminalFrame(t *testing.T, conn *websocket.Conn) terminalServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame terminalServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read terminal frame: %v", err)
	}
	return frame
}

func TestTerminalSocket(t *testing.T) {
	ts := newTestServer(t, 4)
	exec := &fakeExecEngine{}
	ts.server.terminals = terminal.NewManager(exec, config.Default().Terminal)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/terminal")

	if err := conn.WriteJSON(terminalClientFrame{Action: "open", ContainerID: "run-1", Cols: 120, Rows: 40}); err != nil {
		t.Fatalf("failed to send open: %v", err)
	}
	opened := readTerminalFrame(t, conn)
	if opened.Type != "opened" || opened.SessionID == "" {
		t.Fatalf("frame = %+v, expected opened with a session id", opened)
	}

	// Input flows through to the exec stdin.
	if err := conn.WriteJSON(terminalClientFrame{
		Action: "input",
		Data:   base64.StdEncoding.EncodeToString([]byte("ls -la\n")),
	}); err != nil {
		t.Fatalf("failed to send input: %v", err)
	}
	buf := make([]byte, 64)
	n, err := exec.stdin.Read(buf)
	if err != nil {
		t.Fatalf("failed to read exec stdin: %v", err)
	}
	if got := string(buf[:n]); got != "ls -la\n" {
		t.Errorf("stdin = %q", got)
	}

	// Process output comes back as sequenced frames.
	if _, err := exec.stdout.Write([]byte("total 0\n")); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}
	output := readTerminalFrame(t, conn)
	if output.Type != "output" || output.Seq != 1 {
		t.Fatalf("frame = %+v, expected output seq 1", output)
	}
	if data, _ := base64.StdEncoding.DecodeString(output.Data); string(data) != "total 0\n" {
		t.Errorf("output data = %q", data)
	}

	if err := conn.WriteJSON(terminalClientFrame{Action: "close"}); err != nil {
		t.Fatalf("failed to send close: %v", err)
	}
	closed := readTerminalFrame(t, conn)
	if closed.Type != "closed" {
		t.Fatalf("frame = %+v, expected closed", closed)
	}
	if ts.server.terminals.Count() != 0 {
		t.Error("session not removed after close")
	}
}

func TestTerminalReattachReplays(t *testing.T) {
	ts := newTestServer(t, 4)
	exec := &fakeExecEngine{}
	ts.server.terminals = terminal.NewManager(exec, config.Default().Terminal)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/terminal")
	if err := conn.WriteJSON(terminalClientFrame{Action: "open", ContainerID: "run-1"}); err != nil {
		t.Fatalf("failed to send open: %v", err)
	}
	opened := readTerminalFrame(t, conn)
	sessionID := opened.SessionID

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		if _, err := exec.stdout.Write([]byte(line)); err != nil {
			t.Fatalf("failed to write output: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		readTerminalFrame(t, conn)
	}
	conn.Close()

	// A second connection resumes from sequence 1 and replays the rest.
	conn2 := dialWS(t, srv, "/v1/terminal")
	if err := conn2.WriteJSON(terminalClientFrame{Action: "reattach", SessionID: sessionID, LastSeq: 1}); err != nil {
		t.Fatalf("failed to send reattach: %v", err)
	}

	var seqs []uint64
	for i := 0; i < 3; i++ {
		frame := readTerminalFrame(t, conn2)
		if frame.Type == "opened" {
			continue
		}
		seqs = append(seqs, frame.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("replayed seqs = %v, expected [2 3]", seqs)
	}

	if err := conn2.WriteJSON(terminalClientFrame{Action: "close"}); err != nil {
		t.Fatalf("failed to send close: %v", err)
	}
}

func TestTerminalUnknownReattach(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.server.terminals = terminal.NewManager(&fakeExecEngine{}, config.Default().Terminal)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	conn := dialWS(t, srv, "/v1/terminal")
	if err := conn.WriteJSON(terminalClientFrame{Action: "reattach", SessionID: "gone", LastSeq: 0}); err != nil {
		t.Fatalf("failed to send reattach: %v", err)
	}
	frame := readTerminalFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("frame = %+v, expected an error for an unknown session", frame)
	}
}
