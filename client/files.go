package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/wardend/warden-go/internal/formdata"
)

// FileType is the type of a remote file system entry.
type FileType string

const (
	TypeFile      FileType = "file"
	TypeDirectory FileType = "directory"
	TypeSymlink   FileType = "symlink"
	TypeSocket    FileType = "socket"
	TypeNamedPipe FileType = "named-pipe"
	TypeDevice    FileType = "device"
	TypeUnknown   FileType = "unknown"
)

// FileInfo describes one remote file or directory.
type FileInfo struct {
	Path string
	Name string
	Type FileType
	Size int64
	// Permissions is the numeric mode parsed from the octal string the
	// server reports.
	Permissions  os.FileMode
	LastModified time.Time
	UserID       *int
	User         string
	GroupID      *int
	Group        string
}

type fileInfoPayload struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Type         FileType  `json:"type"`
	Size         *int64    `json:"size,omitempty"`
	Permissions  string    `json:"permissions"`
	LastModified time.Time `json:"last-modified"`
	UserID       *int      `json:"user-id"`
	User         string    `json:"user"`
	GroupID      *int      `json:"group-id"`
	Group        string    `json:"group"`
}

func (p *fileInfoPayload) info() (*FileInfo, error) {
	perm, err := strconv.ParseUint(p.Permissions, 8, 32)
	if err != nil {
		return nil, protocolErrorf("invalid permission string %q for %s", p.Permissions, p.Path)
	}
	info := &FileInfo{
		Path:         p.Path,
		Name:         p.Name,
		Type:         p.Type,
		Permissions:  os.FileMode(perm),
		LastModified: p.LastModified,
		UserID:       p.UserID,
		User:         p.User,
		GroupID:      p.GroupID,
		Group:        p.Group,
	}
	if p.Size != nil {
		info.Size = *p.Size
	}
	return info, nil
}

// ListFilesOptions are the arguments to ListFiles.
type ListFilesOptions struct {
	// Path is the absolute directory (or file, with Itself) to list.
	Path string
	// Pattern restricts entries to a glob pattern, e.g. "*.txt".
	Pattern string
	// Itself lists the entry at Path rather than its contents.
	Itself bool
}

// ListFiles returns information about files and directories at a remote path.
func (c *Client) ListFiles(ctx context.Context, opts *ListFilesOptions) ([]*FileInfo, error) {
	query := url.Values{}
	query.Set("action", "list")
	query.Set("path", opts.Path)
	if opts.Pattern != "" {
		query.Set("pattern", opts.Pattern)
	}
	if opts.Itself {
		query.Set("itself", "true")
	}
	var payloads []fileInfoPayload
	if err := c.doSync(ctx, "GET", "/v1/files", query, nil, &payloads); err != nil {
		return nil, err
	}
	infos := make([]*FileInfo, 0, len(payloads))
	for i := range payloads {
		info, err := payloads[i].info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// pathResult is one entry of the files API's per-path result list.
type pathResult struct {
	Path  string       `json:"path"`
	Error *errorResult `json:"error,omitempty"`
}

func (r *pathResult) pathError() error {
	if r.Error == nil {
		return nil
	}
	kind := r.Error.Kind
	switch kind {
	case PathErrorNotFound, PathErrorPermissionDenied:
	default:
		kind = PathErrorGeneric
	}
	return &PathError{Kind: kind, Message: r.Error.Message, Path: r.Path}
}

// PullOptions are the arguments to Pull.
type PullOptions struct {
	// Path is the absolute remote path to read.
	Path string
	// Target receives the file's content as it streams in.
	Target io.Writer
}

// Pull reads a file from the remote system and streams it to opts.Target.
func (c *Client) Pull(ctx context.Context, opts *PullOptions) error {
	query := url.Values{}
	query.Set("action", "read")
	query.Set("path", opts.Path)
	headers := map[string]string{"Accept": "multipart/form-data"}

	rsp, err := c.raw(ctx, "GET", "/v1/files", query, headers, nil)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(rsp.Header.Get("Content-Type"))
	if err != nil {
		return protocolErrorf("invalid Content-Type %q: %v", rsp.Header.Get("Content-Type"), err)
	}
	switch mediaType {
	case "application/json":
		// The server reports request-level failures as plain JSON.
		if _, err := decodeResponse(rsp); err != nil {
			return err
		}
		return protocolErrorf("expected multipart response, got JSON success")
	case "multipart/form-data":
	default:
		return protocolErrorf("expected multipart response, got %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return protocolErrorf("multipart response without boundary")
	}

	sink := &pullSink{wantPath: opts.Path, target: opts.Target}
	decoder := formdata.NewDecoder(boundary, sink)
	buf := make([]byte, 32*1024)
	for {
		n, err := rsp.Body.Read(buf)
		if n > 0 {
			if ferr := decoder.Feed(buf[:n]); ferr != nil {
				return protocolErrorf("decoding multipart response: %v", ferr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ConnectionError{Err: err}
		}
	}
	if err := decoder.Close(); err != nil {
		return protocolErrorf("decoding multipart response: %v", err)
	}

	return sink.verify()
}

// pullSink routes the "files" part for the requested path to the target and
// captures the "response" JSON part. Unexpected file parts are drained and
// flagged afterwards.
type pullSink struct {
	wantPath string
	target   io.Writer

	current    string // filename of the open part, "" for the response part
	inResponse bool
	response   []byte
	gotPaths   []string
}

func (s *pullSink) PartBegin(h formdata.Header) error {
	switch h.Name {
	case "response":
		s.inResponse = true
	case "files":
		s.current = h.Filename
		s.gotPaths = append(s.gotPaths, h.Filename)
	default:
		return fmt.Errorf("unexpected part %q in response", h.Name)
	}
	return nil
}

func (s *pullSink) PartData(b []byte) error {
	if s.inResponse {
		s.response = append(s.response, b...)
		return nil
	}
	if s.current != s.wantPath {
		return nil // unknown file part, drained and reported by verify
	}
	_, err := s.target.Write(b)
	return err
}

func (s *pullSink) PartEnd() error {
	s.inResponse = false
	s.current = ""
	return nil
}

func (s *pullSink) verify() error {
	if s.response == nil {
		return protocolErrorf("multipart response missing response part")
	}
	var envelope response
	if err := json.Unmarshal(s.response, &envelope); err != nil {
		return protocolErrorf("cannot decode multipart response part: %v", err)
	}
	var results []pathResult
	if err := json.Unmarshal(envelope.Result, &results); err != nil {
		return protocolErrorf("cannot decode multipart file results: %v", err)
	}

	// Every path the response claims was sent must have arrived as a
	// part, and vice versa.
	received := make(map[string]bool, len(s.gotPaths))
	for _, p := range s.gotPaths {
		received[p] = true
	}
	sent := make(map[string]bool, len(results))
	for i := range results {
		if err := results[i].pathError(); err != nil {
			return err
		}
		sent[results[i].Path] = true
		if !received[results[i].Path] {
			return protocolErrorf("file %q named in response but never received", results[i].Path)
		}
	}
	for _, p := range s.gotPaths {
		if !sent[p] {
			return protocolErrorf("received unexpected file %q", p)
		}
	}
	if !received[s.wantPath] {
		return protocolErrorf("response did not include requested file %q", s.wantPath)
	}
	return nil
}

// PushOptions are the arguments to Push and one entry of PushFiles.
type PushOptions struct {
	// Path is the absolute remote destination.
	Path string
	// Source produces the content to write.
	Source io.Reader
	// MakeDirs creates missing parent directories.
	MakeDirs bool
	// Permissions sets the file mode; zero leaves the server default.
	Permissions os.FileMode
	UserID      *int
	User        string
	GroupID     *int
	Group       string
}

// PushResult reports the outcome for one path of a batch push. Err is a
// *PathError when the server rejected that path.
type PushResult struct {
	Path string
	Err  error
}

type writeFilesPayload struct {
	Action string             `json:"action"`
	Files  []writeFilePayload `json:"files"`
}

type writeFilePayload struct {
	Path        string `json:"path"`
	MakeDirs    bool   `json:"make-dirs,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	UserID      *int   `json:"user-id,omitempty"`
	User        string `json:"user,omitempty"`
	GroupID     *int   `json:"group-id,omitempty"`
	Group       string `json:"group,omitempty"`
}

// Push writes a single file to the remote system, streaming from
// opts.Source.
func (c *Client) Push(ctx context.Context, opts *PushOptions) error {
	results, err := c.PushFiles(ctx, []*PushOptions{opts})
	if err != nil {
		return err
	}
	return results[0].Err
}

// PushFiles writes a batch of files in one call. A failure of one path does
// not abort the others: the returned slice carries one result per input, in
// order, and the error return is reserved for call-level failures.
func (c *Client) PushFiles(ctx context.Context, files []*PushOptions) ([]PushResult, error) {
	payload := writeFilesPayload{Action: "write"}
	parts := make([]formdata.File, 0, len(files))
	for _, f := range files {
		wf := writeFilePayload{
			Path:     f.Path,
			MakeDirs: f.MakeDirs,
			UserID:   f.UserID,
			User:     f.User,
			GroupID:  f.GroupID,
			Group:    f.Group,
		}
		if f.Permissions != 0 {
			wf.Permissions = strconv.FormatUint(uint64(f.Permissions.Perm()), 8)
		}
		payload.Files = append(payload.Files, wf)
		parts = append(parts, formdata.File{Path: f.Path, Source: f.Source})
	}
	requestJSON, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal write request: %w", err)
	}

	body, contentType := formdata.Encode(requestJSON, parts)
	defer body.Close()

	rsp, err := c.raw(ctx, "POST", "/v1/files", nil, map[string]string{"Content-Type": contentType}, body)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	envelope, err := decodeResponse(rsp)
	if err != nil {
		return nil, err
	}
	return pathResults(envelope, files, func(o *PushOptions) string { return o.Path })
}

// pathResults matches the server's per-path results back to the request
// order, erroring if any requested path is missing from the response.
func pathResults[T any](envelope *response, reqs []T, pathOf func(T) string) ([]PushResult, error) {
	var results []pathResult
	if err := json.Unmarshal(envelope.Result, &results); err != nil {
		return nil, protocolErrorf("cannot decode file results: %v", err)
	}
	byPath := make(map[string]*pathResult, len(results))
	for i := range results {
		byPath[results[i].Path] = &results[i]
	}
	out := make([]PushResult, 0, len(reqs))
	for _, req := range reqs {
		p := pathOf(req)
		r, ok := byPath[p]
		if !ok {
			return nil, protocolErrorf("response missing result for path %q", p)
		}
		out = append(out, PushResult{Path: p, Err: r.pathError()})
	}
	return out, nil
}

// MakeDirOptions are the arguments to MakeDir.
type MakeDirOptions struct {
	Path string
	// MakeParents creates missing parents, like mkdir -p.
	MakeParents bool
	// Permissions sets the directory mode; zero leaves the server default.
	Permissions os.FileMode
	UserID      *int
	User        string
	GroupID     *int
	Group       string
}

type makeDirsPayload struct {
	Action string           `json:"action"`
	Dirs   []makeDirPayload `json:"dirs"`
}

type makeDirPayload struct {
	Path        string `json:"path"`
	MakeParents bool   `json:"make-parents,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	UserID      *int   `json:"user-id,omitempty"`
	User        string `json:"user,omitempty"`
	GroupID     *int   `json:"group-id,omitempty"`
	Group       string `json:"group,omitempty"`
}

// MakeDir creates a directory on the remote system.
func (c *Client) MakeDir(ctx context.Context, opts *MakeDirOptions) error {
	payload := makeDirsPayload{
		Action: "make-dirs",
		Dirs: []makeDirPayload{{
			Path:        opts.Path,
			MakeParents: opts.MakeParents,
			UserID:      opts.UserID,
			User:        opts.User,
			GroupID:     opts.GroupID,
			Group:       opts.Group,
		}},
	}
	if opts.Permissions != 0 {
		payload.Dirs[0].Permissions = strconv.FormatUint(uint64(opts.Permissions.Perm()), 8)
	}
	return c.filesAction(ctx, &payload, opts.Path)
}

// RemoveOptions are the arguments to Remove.
type RemoveOptions struct {
	Path string
	// Recursive removes directories and their contents.
	Recursive bool
}

type removePathsPayload struct {
	Action string              `json:"action"`
	Paths  []removePathPayload `json:"paths"`
}

type removePathPayload struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// Remove deletes a file or directory on the remote system.
func (c *Client) Remove(ctx context.Context, opts *RemoveOptions) error {
	payload := removePathsPayload{
		Action: "remove",
		Paths:  []removePathPayload{{Path: opts.Path, Recursive: opts.Recursive}},
	}
	return c.filesAction(ctx, &payload, opts.Path)
}

func (c *Client) filesAction(ctx context.Context, payload interface{}, path string) error {
	var results []pathResult
	if err := c.doSync(ctx, "POST", "/v1/files", nil, payload, &results); err != nil {
		return err
	}
	for i := range results {
		if results[i].Path == path {
			return results[i].pathError()
		}
	}
	return protocolErrorf("response missing result for path %q", path)
}
