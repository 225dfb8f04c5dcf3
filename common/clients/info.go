package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiagent/ma/common/config"
	"github.com/multiagent/ma/common/logger"
)

// Information request types.
const (
	InfoRepoFile = "repo_file"
	InfoHTTPGet  = "http_get"
)

// ErrDeniedHost indicates the target host is on the deny list.
var ErrDeniedHost = errors.New("host is denied")

// InfoRequest asks for a file snippet or an HTTP resource on behalf of a
// persona.
type InfoRequest struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	MaxBytes  int64  `json:"maxBytes,omitempty"`
}

// InfoResult is the serialized outcome of one request.
type InfoResult struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
	FetchedAt int64  `json:"fetched_at_ms"`
}

// InfoFetcher resolves information requests within configured limits and
// persists results as per-task artifacts.
type InfoFetcher struct {
	cfg       config.InfoConfig
	repoRoot  string
	stateDir  string
	client    *http.Client
	denyHosts map[string]struct{}
	log       *logger.Logger
}

// NewInfoFetcher creates a fetcher rooted at repoRoot whose artifacts land
// under stateDir (the repo's .ma directory).
func NewInfoFetcher(cfg config.InfoConfig, repoRoot, stateDir string, log *logger.Logger) *InfoFetcher {
	deny := make(map[string]struct{}, len(cfg.DenyHosts))
	for _, h := range cfg.DenyHosts {
		deny[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	if cfg.DenyHostsFile != "" {
		if data, err := os.ReadFile(cfg.DenyHostsFile); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.ToLower(strings.TrimSpace(line))
				if line != "" && !strings.HasPrefix(line, "#") {
					deny[line] = struct{}{}
				}
			}
		} else {
			log.Warn("cannot read deny hosts file", "path", cfg.DenyHostsFile, "error", err)
		}
	}

	return &InfoFetcher{
		cfg:       cfg,
		repoRoot:  repoRoot,
		stateDir:  stateDir,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		denyHosts: deny,
		log:       log,
	}
}

// Fetch resolves requests (capped at MaxRequestsPerIteration) and writes the
// batch artifact for the task. Individual failures land in the result list,
// not the error return.
func (f *InfoFetcher) Fetch(ctx context.Context, taskID string, reqs []InfoRequest) ([]InfoResult, error) {
	if len(reqs) > f.cfg.MaxRequestsPerIteration {
		f.log.Warn("truncating information requests",
			"requested", len(reqs),
			"limit", f.cfg.MaxRequestsPerIteration)
		reqs = reqs[:f.cfg.MaxRequestsPerIteration]
	}

	results := make([]InfoResult, 0, len(reqs))
	for _, req := range reqs {
		var res InfoResult
		switch req.Type {
		case InfoRepoFile:
			res = f.fetchFile(req)
		case InfoHTTPGet:
			res = f.fetchHTTP(ctx, req)
		default:
			res = InfoResult{Type: req.Type, Error: fmt.Sprintf("unknown request type %q", req.Type)}
		}
		res.FetchedAt = time.Now().UnixMilli()
		results = append(results, res)
	}

	if taskID != "" {
		if err := f.writeArtifact(taskID, results); err != nil {
			f.log.Warn("cannot write acquisition artifact", "task_id", taskID, "error", err)
		}
	}
	return results, nil
}

func (f *InfoFetcher) fetchFile(req InfoRequest) InfoResult {
	res := InfoResult{Type: InfoRepoFile, Source: req.Path}

	abs, err := filepath.Abs(filepath.Join(f.repoRoot, req.Path))
	if err != nil || (abs != f.repoRoot && !strings.HasPrefix(abs, f.repoRoot+string(filepath.Separator))) {
		res.Error = "path escapes repository root"
		return res
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	limit := f.cfg.MaxFileBytes
	if req.MaxBytes > 0 && req.MaxBytes < limit {
		limit = req.MaxBytes
	}

	content := string(data)
	if req.StartLine > 0 || req.EndLine > 0 {
		lines := strings.Split(content, "\n")
		start := req.StartLine
		if start < 1 {
			start = 1
		}
		end := req.EndLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			start = len(lines)
		}
		content = strings.Join(lines[start-1:end], "\n")
	}

	if int64(len(content)) > limit {
		content = content[:limit]
		res.Truncated = true
	}
	res.Content = content
	return res
}

func (f *InfoFetcher) fetchHTTP(ctx context.Context, req InfoRequest) InfoResult {
	res := InfoResult{Type: InfoHTTPGet, Source: req.URL}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		res.Error = "invalid URL"
		return res
	}

	// Deny-list check runs pre-flight, before any connection is made.
	if err := f.checkHost(parsed.Hostname()); err != nil {
		res.Error = err.Error()
		return res
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	limit := f.cfg.MaxHTTPBytes
	if req.MaxBytes > 0 && req.MaxBytes < limit {
		limit = req.MaxBytes
	}

	// Read one byte past the limit so truncation is detectable.
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if int64(len(body)) > limit {
		body = body[:limit]
		res.Truncated = true
	}
	res.Content = string(body)

	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return res
}

// checkHost matches the hostname and its resolved IPs against the deny list.
func (f *InfoFetcher) checkHost(hostname string) error {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if _, denied := f.denyHosts[normalized]; denied {
		return fmt.Errorf("%s: %w", hostname, ErrDeniedHost)
	}

	if ips, err := net.LookupIP(normalized); err == nil {
		for _, ip := range ips {
			if _, denied := f.denyHosts[ip.String()]; denied {
				return fmt.Errorf("%s resolves to %s: %w", hostname, ip, ErrDeniedHost)
			}
		}
	}
	return nil
}

func (f *InfoFetcher) writeArtifact(taskID string, results []InfoResult) error {
	dir := filepath.Join(f.stateDir, "tasks", taskID, f.cfg.ArtifactSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("info-%d.json", time.Now().UnixMilli())
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
