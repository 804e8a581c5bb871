package client

// The fake supervisor in this file backs the client tests: a real HTTP
// server on a real unix socket, with just enough endpoint behavior to
// exercise the client. It intentionally implements nothing the tests do not
// need.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeServer struct {
	t      *testing.T
	socket string

	mu       sync.Mutex
	changes  map[string]*changeState
	execs    map[string]*fakeExec
	files    map[string][]byte
	nextID   int
	signals  []sendSignalPayload
	layers   []addLayerPayload
	planYAML string

	// waitNotSupported makes the long-poll endpoint 404 like an old
	// server; waitCalls/pollCalls count the request pattern.
	waitNotSupported bool
	waitCalls        int
	pollCalls        int
}

type changeState struct {
	id       string
	kind     string
	taskID   string
	err      string
	exitCode *int
	done     chan struct{}
}

func (cs *changeState) ready() bool {
	select {
	case <-cs.done:
		return true
	default:
		return false
	}
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{
		t:       t,
		socket:  filepath.Join(t.TempDir(), "warden.socket"),
		changes: make(map[string]*changeState),
		execs:   make(map[string]*fakeExec),
		files:   make(map[string][]byte),
	}

	router := httprouter.New()
	router.GET("/v1/system-info", s.sysInfo)
	router.GET("/v1/changes/:id", s.getChange)
	router.GET("/v1/changes/:id/wait", s.waitChange)
	router.GET("/v1/files", s.getFiles)
	router.POST("/v1/files", s.postFiles)
	router.POST("/v1/exec", s.postExec)
	router.GET("/v1/tasks/:task/websocket/:which", s.taskWebsocket)
	router.GET("/v1/services", s.getServices)
	router.POST("/v1/services", s.postServices)
	router.GET("/v1/checks", s.getChecks)
	router.POST("/v1/checks", s.postChecks)
	router.GET("/v1/notices", s.getNotices)
	router.GET("/v1/notices/:id", s.getNotice)
	router.POST("/v1/signals", s.postSignals)
	router.POST("/v1/layers", s.postLayers)
	router.GET("/v1/plan", s.getPlan)

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		t.Fatalf("listening on socket: %s", err)
	}
	srv := &http.Server{Handler: router}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return s
}

func (s *fakeServer) client(t *testing.T, opts ...ClientOption) *Client {
	c, err := New(&Config{Socket: s.socket}, opts...)
	if err != nil {
		t.Fatalf("building client: %s", err)
	}
	return c
}

// newChange registers a change that becomes ready when the returned function
// is called.
func (s *fakeServer) newChange(kind string) (*changeState, func(exitCode int, errText string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cs := &changeState{
		id:     fmt.Sprintf("%d", s.nextID),
		taskID: fmt.Sprintf("T%d", s.nextID),
		kind:   kind,
		done:   make(chan struct{}),
	}
	s.changes[cs.id] = cs
	return cs, func(exitCode int, errText string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if exitCode >= 0 {
			code := exitCode
			cs.exitCode = &code
		}
		cs.err = errText
		close(cs.done)
	}
}

func (s *fakeServer) changeResult(cs *changeState) map[string]interface{} {
	task := map[string]interface{}{
		"id":         cs.taskID,
		"kind":       cs.kind,
		"status":     "Done",
		"progress":   map[string]interface{}{"label": "", "done": 1, "total": 1},
		"spawn-time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cs.err != "" {
		task["status"] = "Error"
		task["log"] = []string{"ERROR " + cs.err}
	}
	if cs.exitCode != nil {
		task["data"] = map[string]interface{}{"exit-code": *cs.exitCode}
	}
	status := "Doing"
	if cs.ready() {
		status = "Done"
		if cs.err != "" {
			status = "Error"
		}
	}
	result := map[string]interface{}{
		"id":         cs.id,
		"kind":       cs.kind,
		"status":     status,
		"ready":      cs.ready(),
		"spawn-time": time.Now().UTC().Format(time.RFC3339Nano),
		"tasks":      []interface{}{task},
	}
	if cs.err != "" {
		result["err"] = cs.err
	}
	return result
}

func writeEnvelope(w http.ResponseWriter, statusCode int, typ string, result interface{}, extra map[string]interface{}) {
	envelope := map[string]interface{}{
		"type":        typ,
		"status-code": statusCode,
		"status":      http.StatusText(statusCode),
		"result":      result,
	}
	for k, v := range extra {
		envelope[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(envelope)
}

func writeSync(w http.ResponseWriter, result interface{}) {
	writeEnvelope(w, http.StatusOK, "sync", result, nil)
}

func writeAsync(w http.ResponseWriter, changeID string, result interface{}) {
	writeEnvelope(w, http.StatusAccepted, "async", result, map[string]interface{}{"change": changeID})
}

func writeError(w http.ResponseWriter, statusCode int, message, kind string) {
	result := map[string]interface{}{"message": message}
	if kind != "" {
		result["kind"] = kind
	}
	writeEnvelope(w, statusCode, "error", result, nil)
}

func (s *fakeServer) sysInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeSync(w, map[string]interface{}{"version": "1.7.0"})
}

func (s *fakeServer) lookupChange(id string) *changeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes[id]
}

func (s *fakeServer) getChange(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	s.pollCalls++
	s.mu.Unlock()
	cs := s.lookupChange(ps.ByName("id"))
	if cs == nil {
		writeError(w, http.StatusNotFound, "cannot find change", "")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeSync(w, s.changeResult(cs))
}

func (s *fakeServer) waitChange(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	s.waitCalls++
	notSupported := s.waitNotSupported
	s.mu.Unlock()
	if notSupported {
		writeError(w, http.StatusNotFound, "server does not support wait", "")
		return
	}
	cs := s.lookupChange(ps.ByName("id"))
	if cs == nil {
		writeError(w, http.StatusNotFound, "cannot find change", "")
		return
	}
	timeout, err := time.ParseDuration(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout", "")
		return
	}
	select {
	case <-cs.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		writeSync(w, s.changeResult(cs))
	case <-time.After(timeout):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for change", "")
	}
}

func (s *fakeServer) getFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	switch query.Get("action") {
	case "list":
		s.listFiles(w, query.Get("path"))
	case "read":
		s.readFiles(w, query["path"])
	default:
		writeError(w, http.StatusBadRequest, "invalid action", "")
	}
}

func (s *fakeServer) listFiles(w http.ResponseWriter, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []map[string]interface{}
	for path, content := range s.files {
		if filepath.Dir(path) != dir {
			continue
		}
		infos = append(infos, map[string]interface{}{
			"path":          path,
			"name":          filepath.Base(path),
			"type":          "file",
			"size":          len(content),
			"permissions":   "644",
			"last-modified": time.Now().UTC().Format(time.RFC3339Nano),
			"user-id":       0,
			"user":          "root",
			"group-id":      0,
			"group":         "root",
		})
	}
	writeSync(w, infos)
}

// readFiles streams the requested paths back as multipart/form-data with a
// trailing response part, the way the real server does.
func (s *fakeServer) readFiles(w http.ResponseWriter, paths []string) {
	s.mu.Lock()
	contents := make(map[string][]byte, len(paths))
	var results []map[string]interface{}
	for _, p := range paths {
		if content, ok := s.files[p]; ok {
			contents[p] = content
			results = append(results, map[string]interface{}{"path": p})
		} else {
			results = append(results, map[string]interface{}{
				"path":  p,
				"error": map[string]interface{}{"message": "no such file", "kind": "not-found"},
			})
		}
	}
	s.mu.Unlock()

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	for path, content := range contents {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, path))
		part, err := mw.CreatePart(hdr)
		if err != nil {
			s.t.Errorf("creating file part: %s", err)
			return
		}
		part.Write(content)
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="response"`)
	hdr.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		s.t.Errorf("creating response part: %s", err)
		return
	}
	json.NewEncoder(part).Encode(map[string]interface{}{
		"type":        "sync",
		"status-code": 200,
		"status":      "OK",
		"result":      results,
	})
	mw.Close()
}

func (s *fakeServer) postFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.writeFiles(w, r, params["boundary"])
		return
	}
	var payload struct {
		Action string `json:"action"`
		Dirs   []struct {
			Path string `json:"path"`
		} `json:"dirs"`
		Paths []struct {
			Path string `json:"path"`
		} `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	var paths []string
	switch payload.Action {
	case "make-dirs":
		for _, d := range payload.Dirs {
			paths = append(paths, d.Path)
		}
	case "remove":
		for _, p := range payload.Paths {
			paths = append(paths, p.Path)
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid action", "")
		return
	}
	var results []map[string]interface{}
	for _, p := range paths {
		entry := map[string]interface{}{"path": p}
		if strings.HasPrefix(p, "/forbidden/") {
			entry["error"] = map[string]interface{}{"message": "permission denied", "kind": "permission-denied"}
		} else if payload.Action == "remove" {
			s.mu.Lock()
			if _, ok := s.files[p]; ok {
				delete(s.files, p)
			} else {
				entry["error"] = map[string]interface{}{"message": "no such file", "kind": "not-found"}
			}
			s.mu.Unlock()
		}
		results = append(results, entry)
	}
	writeSync(w, results)
}

// writeFiles accepts a multipart write request. Paths under /forbidden/ are
// rejected per-path without affecting their siblings.
func (s *fakeServer) writeFiles(w http.ResponseWriter, r *http.Request, boundary string) {
	reader := multipart.NewReader(r.Body, boundary)
	written := make(map[string][]byte)
	var requested []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse multipart body", "")
			return
		}
		switch part.FormName() {
		case "request":
			var payload struct {
				Files []struct {
					Path string `json:"path"`
				} `json:"files"`
			}
			if err := json.NewDecoder(part).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "cannot decode request part", "")
				return
			}
			for _, f := range payload.Files {
				requested = append(requested, f.Path)
			}
		case "files":
			content, err := io.ReadAll(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "cannot read file part", "")
				return
			}
			// part.FileName() applies filepath.Base since Go 1.17, which
			// would strip the directory from the path; read the raw
			// filename parameter instead.
			_, dispParams, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "cannot parse file part disposition", "")
				return
			}
			written[dispParams["filename"]] = content
		}
	}

	var results []map[string]interface{}
	for _, p := range requested {
		entry := map[string]interface{}{"path": p}
		content, ok := written[p]
		switch {
		case strings.HasPrefix(p, "/forbidden/"):
			entry["error"] = map[string]interface{}{"message": "permission denied", "kind": "permission-denied"}
		case !ok:
			entry["error"] = map[string]interface{}{"message": "no content for path", "kind": ""}
		default:
			s.mu.Lock()
			s.files[p] = content
			s.mu.Unlock()
		}
		results = append(results, entry)
	}
	writeSync(w, results)
}

func (s *fakeServer) getServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	services := []map[string]interface{}{
		{"name": "web", "startup": "enabled", "current": "active"},
		{"name": "db", "startup": "disabled", "current": "inactive"},
	}
	if names := r.URL.Query().Get("names"); names != "" {
		wanted := strings.Split(names, ",")
		var filtered []map[string]interface{}
		for _, svc := range services {
			for _, name := range wanted {
				if svc["name"] == name {
					filtered = append(filtered, svc)
				}
			}
		}
		services = filtered
	}
	writeSync(w, services)
}

func (s *fakeServer) getChecks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeSync(w, []map[string]interface{}{
		{"name": "web-up", "level": "ready", "status": "up", "threshold": 3},
	})
}

func (s *fakeServer) noticeResult(id string) map[string]interface{} {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return map[string]interface{}{
		"id":             id,
		"type":           "custom",
		"key":            "example.com/refresh",
		"first-occurred": now,
		"last-occurred":  now,
		"last-repeated":  now,
		"occurrences":    2,
		"repeat-after":   "1h0m0s",
	}
}

func (s *fakeServer) getNotices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeSync(w, []interface{}{s.noticeResult("1")})
}

func (s *fakeServer) getNotice(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeSync(w, s.noticeResult(ps.ByName("id")))
}

func (s *fakeServer) postServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload serviceActionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	cs, finish := s.newChange(payload.Action)
	go func() {
		time.Sleep(20 * time.Millisecond)
		finish(-1, "")
	}()
	writeAsync(w, cs.id, nil)
}

func (s *fakeServer) postChecks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload checksActionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	// Replicates old-server behavior: null changed list when nothing
	// changed state.
	if len(payload.Checks) == 0 {
		writeSync(w, map[string]interface{}{"changed": nil})
		return
	}
	writeSync(w, map[string]interface{}{"changed": payload.Checks})
}

func (s *fakeServer) postSignals(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload sendSignalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	if !strings.HasPrefix(payload.Signal, "SIG") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid signal name %q", payload.Signal), "")
		return
	}
	s.mu.Lock()
	s.signals = append(s.signals, payload)
	s.mu.Unlock()
	writeSync(w, nil)
}

func (s *fakeServer) postLayers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload addLayerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	s.mu.Lock()
	s.layers = append(s.layers, payload)
	s.planYAML = payload.Layer
	s.mu.Unlock()
	writeSync(w, nil)
}

func (s *fakeServer) getPlan(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeSync(w, s.planYAML)
}

// postExec starts a scripted fake process. The first command word selects
// the script; see fakeExec.run.
func (s *fakeServer) postExec(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload execPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode request", "")
		return
	}
	cs, finish := s.newChange("exec")

	if payload.Command[0] == "no-websockets" {
		// Simulates a server that cannot set the channels up: the
		// change fails and the websocket endpoints never exist.
		finish(-1, "cannot allocate terminal")
		writeAsync(w, cs.id, map[string]interface{}{"task-id": cs.taskID})
		return
	}

	fe := &fakeExec{
		cmd:     payload.Command,
		split:   payload.SplitStderr,
		finish:  finish,
		signals: make(chan string, 4),
		done:    cs.done,
	}
	s.mu.Lock()
	s.execs[cs.taskID] = fe
	s.mu.Unlock()
	writeAsync(w, cs.id, map[string]interface{}{"task-id": cs.taskID})
}

func (s *fakeServer) taskWebsocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	fe := s.execs[ps.ByName("task")]
	s.mu.Unlock()
	if fe == nil {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Logf("websocket accept failed: %s", err)
		return
	}
	fe.attach(ps.ByName("which"), conn)
	// Hold the handler (and so the connection) open until the process
	// is done and the client has had a chance to read everything.
	<-fe.done
	time.Sleep(50 * time.Millisecond)
	conn.Close(websocket.StatusNormalClosure, "")
}

type fakeExec struct {
	cmd     []string
	split   bool
	finish  func(exitCode int, errText string)
	signals chan string
	done    chan struct{}

	mu      sync.Mutex
	stdio   *websocket.Conn
	stderr  *websocket.Conn
	control *websocket.Conn
	started bool
}

func (fe *fakeExec) attach(which string, conn *websocket.Conn) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	switch which {
	case "stdio":
		fe.stdio = conn
	case "stderr":
		fe.stderr = conn
	case "control":
		fe.control = conn
		go fe.readControl(conn)
	}
	if fe.started || fe.stdio == nil || fe.control == nil || (fe.split && fe.stderr == nil) {
		return
	}
	fe.started = true
	go fe.run()
}

func (fe *fakeExec) readControl(conn *websocket.Conn) {
	for {
		var cmd struct {
			Command string `json:"command"`
			Signal  struct {
				Name string `json:"name"`
			} `json:"signal"`
		}
		if err := wsjson.Read(context.Background(), conn, &cmd); err != nil {
			return
		}
		if cmd.Command == "signal" {
			fe.signals <- cmd.Signal.Name
		}
	}
}

func (fe *fakeExec) run() {
	ctx := context.Background()
	var stdout, stderrOut []byte
	exitCode := 0

	switch fe.cmd[0] {
	case "true":
	case "false":
		exitCode = 1
	case "echo":
		stdout = []byte(strings.Join(fe.cmd[1:], " ") + "\n")
	case "outerr":
		stdout = []byte("out\n")
		stderrOut = []byte("err\n")
	case "cat":
		stdout = fe.readStdin(ctx)
	case "wait-signal":
		sig := <-fe.signals
		stdout = []byte(sig + "\n")
	case "killed":
		// Simulates the server killing the command: the stdio channel
		// dies without an end frame and the change reports the reason.
		fe.stdio.Close(websocket.StatusInternalError, "process killed")
		fe.finish(-1, "command timed out")
		return
	}

	if !fe.split && stderrOut != nil {
		stdout = append(stdout, stderrOut...)
		stderrOut = nil
	}

	if len(stdout) > 0 {
		fe.stdio.Write(ctx, websocket.MessageBinary, stdout)
	}
	wsjson.Write(ctx, fe.stdio, map[string]string{"command": "end"})
	if fe.stderr != nil {
		if len(stderrOut) > 0 {
			fe.stderr.Write(ctx, websocket.MessageBinary, stderrOut)
		}
		wsjson.Write(ctx, fe.stderr, map[string]string{"command": "end"})
	}

	fe.finish(exitCode, "")
}

func (fe *fakeExec) readStdin(ctx context.Context) []byte {
	var collected []byte
	for {
		typ, data, err := fe.stdio.Read(ctx)
		if err != nil {
			return collected
		}
		if typ == websocket.MessageText {
			var cmd struct {
				Command string `json:"command"`
			}
			if json.Unmarshal(data, &cmd) == nil && cmd.Command == "end" {
				return collected
			}
			continue
		}
		collected = append(collected, data...)
	}
}
