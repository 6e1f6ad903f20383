package netdisk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/deckcloud/deckcloud/internal/safety"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.6478.183 Safari/537.36"

const maxBodyBytes = 4 << 20

var shareIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"share[Ii][Dd]"\s*:\s*"([A-Za-z0-9_-]{4,})"`),
	regexp.MustCompile(`"share[Ii][Dd]"\s*:\s*([A-Za-z0-9_-]{4,})`),
	regexp.MustCompile(`\bshare[Ii][Dd]\s*[:=]\s*['"]?([A-Za-z0-9_-]{4,})['"]?`),
	regexp.MustCompile(`(?i)[?&]shareId=([A-Za-z0-9_-]{4,})`),
}

// ResolvedFile is one entry behind a share: folders are listed but the caller
// excludes them from downloadable selection.
type ResolvedFile struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	Size     int64  `json:"sizeBytes"`
	IsFolder bool   `json:"isFolder"`
}

// ResolvedShare is the outcome of one resolve call. ShareID is session-scoped
// on the remote side and must not be cached across calls.
type ResolvedShare struct {
	ShareCode  string         `json:"shareCode"`
	ShareID    string         `json:"shareId"`
	AccessCode string         `json:"accessCode"`
	Files      []ResolvedFile `json:"files"`
}

// ResolveError carries the ordered attempt trail accumulated while probing.
type ResolveError struct {
	Message         string
	ShareCode       string
	ShareURL        string
	NeedsAccessCode bool
	Attempts        []Attempt
}

func (e *ResolveError) Error() string { return e.Message }

// Options configures a Resolver.
type Options struct {
	Timeout time.Duration
	// ScriptPath points at the external script resolver used as the last
	// fallback; empty disables it.
	ScriptPath string
	// BaseURL overrides the per-profile scheme+host, used by tests to point
	// every probe at one mock server.
	BaseURL string
	Logger  *slog.Logger
}

// Resolver turns a share URL into the concrete file list behind it by probing
// an ordered chain of endpoints, hosts and encodings.
type Resolver struct {
	client     *http.Client
	logger     *slog.Logger
	scriptPath string
	baseURL    string
	runScript  func(ctx context.Context, shareURL, cookie, scriptPath string) (*ResolvedShare, error)
}

// NewResolver creates a Resolver with the given options.
func NewResolver(opts Options) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := safety.NewHTTPClient(timeout)
	// Redirects are followed manually where the chain needs to inspect them.
	client.CheckRedirect = nil
	return &Resolver{
		client:     client,
		logger:     logger.With("component", "netdisk"),
		scriptPath: opts.ScriptPath,
		baseURL:    opts.BaseURL,
		runScript:  runScriptResolver,
	}
}

func (r *Resolver) profileURL(p Profile, query url.Values) string {
	base := "https://" + p.Host + p.Path
	if r.baseURL != "" {
		base = r.baseURL + p.Path
	}
	if len(query) > 0 {
		base += "?" + query.Encode()
	}
	return base
}

func (r *Resolver) pageURL(path string, query url.Values) string {
	base := "https://" + ShareHost + path
	if r.baseURL != "" {
		base = r.baseURL + path
	}
	if len(query) > 0 {
		base += "?" + query.Encode()
	}
	return base
}

// requestProfile performs one probe. The returned Attempt is always populated
// with transport metadata, whether or not the probe succeeded.
func (r *Resolver) requestProfile(ctx context.Context, cookie string, p Profile, params url.Values, referer string) (Payload, Attempt, error) {
	att := Attempt{
		Endpoint: p.Path,
		Host:     p.Host,
		Method:   p.Method,
		Profile:  p.Name,
		BodyType: string(BodyEmpty),
	}

	var req *http.Request
	var err error
	if p.Method == "GET" {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, r.profileURL(p, params), nil)
	} else if p.UseForm {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, r.profileURL(p, nil), strings.NewReader(params.Encode()))
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, r.profileURL(p, params), nil)
	}
	if err != nil {
		return Payload{}, att, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	req.Header.Set("Referer", referer)
	if strings.Contains(p.Path, "listShareDir.action") {
		req.Header.Set("Sign-Type", "1")
	}
	if p.UseForm {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Payload{}, att, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxBodyBytes)
	if err != nil {
		att.Status = resp.StatusCode
		return Payload{}, att, fmt.Errorf("read response: %w", err)
	}
	raw := string(body)
	att.Status = resp.StatusCode
	att.BodyType = string(DetectBodyKind(raw))
	att.BodyPreview = shortText(raw, previewLimit)

	if resp.StatusCode >= 400 {
		return Payload{}, att, fmt.Errorf("request failed status=%d endpoint=%s", resp.StatusCode, p.Path)
	}
	if strings.TrimSpace(raw) == "" {
		// Empty body is a hard failure for this attempt, nothing to parse.
		return Payload{}, att, fmt.Errorf("empty response body endpoint=%s status=%d", p.Path, resp.StatusCode)
	}
	return Normalize(raw), att, nil
}

// Resolve walks the full fallback chain for one share URL and returns the
// file list behind it. On total failure the error is a *ResolveError whose
// Attempts field holds every probe made, in order.
func (r *Resolver) Resolve(ctx context.Context, shareURL, cookie string) (*ResolvedShare, error) {
	ref, err := ParseShareReference(shareURL)
	if err != nil {
		return nil, err
	}

	noCache := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var attempts []Attempt

	refererQuery := url.Values{}
	if ref.AccessCode != "" {
		refererQuery.Set("pwd", ref.AccessCode)
	}
	referer := r.pageURL("/t/"+ref.ShareCode, refererQuery)

	var (
		shareID     string
		rootFileID  string
		isFolder    bool
		infoTree    map[string]any
		lastMessage string
	)

	applyInfo := func(p Payload) string {
		if infoTree == nil && len(p.Tree) > 0 {
			infoTree = p.Tree
		}
		if id := FindString(p.Tree, "shareId", "shareID", "shareid"); id != "" {
			shareID = id
		}
		if fid := FindString(p.Tree, "fileId", "fileID", "fileid"); fid != "" && rootFileID == "" {
			rootFileID = fid
		}
		if fv := FindString(p.Tree, "isFolder"); fv != "" {
			isFolder = fv == "1" || strings.EqualFold(fv, "true")
		}
		return FindString(p.Tree, "shareId", "shareID", "shareid")
	}

	probe := func(step string, p Profile, params url.Values, extract func(Payload) string) bool {
		payload, att, err := r.requestProfile(ctx, cookie, p, params, referer)
		att.Step = step
		if err != nil {
			att.Message = shortText(err.Error(), previewLimit)
			attempts = append(attempts, att)
			lastMessage = err.Error()
			return false
		}
		id := extract(payload)
		att.OK = id != ""
		att.ShareID = id
		if detail := apiErrorDetail(payload); detail != "" {
			att.Message = shortText(detail, previewLimit)
		} else if !att.OK {
			att.Message = "no shareId in response"
		}
		attempts = append(attempts, att)
		if !att.OK {
			lastMessage = att.Message
		}
		return att.OK
	}

	checkExtract := func(p Payload) string {
		id := FindString(p.Tree, "shareId", "shareID", "shareid")
		if id != "" {
			shareID = id
			if rootFileID == "" {
				rootFileID = id
			}
		}
		return id
	}

	// Step 0: access-code check first when a code is present. This mirrors
	// the remote web client's order and is the most reliable path for
	// protected shares.
	if ref.AccessCode != "" {
		params := url.Values{
			"noCache":    {noCache},
			"shareCode":  {ref.ShareCode},
			"accessCode": {ref.AccessCode},
		}
		for _, p := range shareCheckProfiles {
			if probe("check_access_code_primary", p, params, checkExtract) {
				break
			}
		}
	}

	// Step 1: share info, with the access code first, then without. The
	// codeless variant is the primary path for public shares.
	if shareID == "" {
		type paramSet struct {
			step   string
			params url.Values
		}
		var sets []paramSet
		if ref.AccessCode != "" {
			sets = append(sets, paramSet{"info_with_access_code", url.Values{
				"noCache":    {noCache},
				"shareCode":  {ref.ShareCode},
				"accessCode": {ref.AccessCode},
			}})
		}
		sets = append(sets, paramSet{"info_without_access_code", url.Values{
			"noCache":   {noCache},
			"shareCode": {ref.ShareCode},
		}})

		for _, set := range sets {
			if shareID != "" {
				break
			}
			for _, p := range shareInfoProfiles {
				if probe(set.step, p, set.params, applyInfo) {
					break
				}
			}
		}
	}

	// Step 2: landing page HTML, looking for a shareId embedded in inline
	// script or a redirect target.
	if shareID == "" {
		id, err := r.shareIDFromLandingPage(ctx, ref, cookie)
		att := Attempt{
			Step:     "share_page_html",
			Endpoint: "/t/" + ref.ShareCode,
			Host:     ShareHost,
			Method:   "GET",
			Profile:  "share_page_html",
		}
		if err != nil {
			att.Message = shortText(err.Error(), previewLimit)
			lastMessage = err.Error()
		} else {
			att.OK = true
			att.ShareID = id
			shareID = id
			if rootFileID == "" {
				rootFileID = id
			}
			if infoTree == nil {
				isFolder = true
			}
		}
		attempts = append(attempts, att)
	}

	// Step 3: access-code check once more as the last native attempt.
	if shareID == "" {
		params := url.Values{
			"noCache":    {noCache},
			"shareCode":  {ref.ShareCode},
			"accessCode": {ref.AccessCode},
		}
		for _, p := range shareCheckProfiles {
			if probe("check_access_code_aux", p, params, checkExtract) {
				break
			}
		}
	}

	// Step 4: external script resolver.
	if shareID == "" {
		if resolved, ok := r.scriptFallback(ctx, &attempts, "script_fallback", shareURL, cookie, ""); ok {
			return resolved, nil
		}
		msg := "share resolution failed: no shareId obtained"
		if lastMessage != "" {
			msg += " (" + lastMessage + ")"
		}
		return nil, &ResolveError{
			Message:   msg,
			ShareCode: ref.ShareCode,
			ShareURL:  shareURL,
			Attempts:  attempts,
		}
	}

	if rootFileID == "" {
		rootFileID = shareID
	}
	if infoTree == nil {
		isFolder = true
	}

	files, listErr := r.listShare(ctx, cookie, ref, &attempts, referer, noCache, shareID, rootFileID, isFolder, infoTree)
	if listErr != nil {
		if resolved, ok := r.scriptFallback(ctx, &attempts, "script_fallback_on_list_error", shareURL, cookie, listErr.Error()); ok {
			return resolved, nil
		}
		msg := listErr.Error()
		needsCode := ref.AccessCode == ""
		if needsCode {
			msg = "share listing failed: the share likely needs an access code (" + msg + ")"
		}
		return nil, &ResolveError{
			Message:         msg,
			ShareCode:       ref.ShareCode,
			ShareURL:        shareURL,
			NeedsAccessCode: needsCode,
			Attempts:        attempts,
		}
	}

	return &ResolvedShare{
		ShareCode:  ref.ShareCode,
		ShareID:    shareID,
		AccessCode: ref.AccessCode,
		Files:      files,
	}, nil
}

// listShare asks the directory-listing endpoint for the file rows, retrying
// once with the alternate root-identifier variant for folder shares.
func (r *Resolver) listShare(
	ctx context.Context,
	cookie string,
	ref ShareReference,
	attempts *[]Attempt,
	referer, noCache, shareID, rootFileID string,
	isFolder bool,
	infoTree map[string]any,
) ([]ResolvedFile, error) {
	params := url.Values{
		"noCache":    {noCache},
		"shareId":    {shareID},
		"shareMode":  {"1"},
		"iconOption": {"5"},
		"pageNum":    {"1"},
		"pageSize":   {"60"},
		// Kept even for codeless shares, some deployments expect it.
		"accessCode": {ref.AccessCode},
	}
	if isFolder {
		params.Set("fileId", shareID)
		params.Set("shareDirFileId", shareID)
		params.Set("isFolder", "true")
		params.Set("orderBy", "lastOpTime")
		params.Set("descending", "true")
	} else {
		params.Set("fileId", rootFileID)
		params.Set("isFolder", "false")
	}

	request := func(step string, listParams url.Values) (Payload, error) {
		lastMessage := "listShareDir request failed"
		for _, p := range shareListProfiles {
			payload, att, err := r.requestProfile(ctx, cookie, p, listParams, referer)
			att.Step = step
			att.ShareID = shareID
			if err != nil {
				att.Message = shortText(err.Error(), previewLimit)
				*attempts = append(*attempts, att)
				lastMessage = err.Error()
				continue
			}
			att.OK = IsSuccess(payload)
			if detail := apiErrorDetail(payload); detail != "" {
				att.Message = shortText(detail, previewLimit)
			} else if !att.OK {
				att.Message = "response not marked successful"
			}
			*attempts = append(*attempts, att)
			if att.OK {
				return payload, nil
			}
			lastMessage = att.Message
		}
		return Payload{}, fmt.Errorf("%s", lastMessage)
	}

	payload, err := request("list_share_dir", params)
	if err != nil && isFolder && rootFileID != "" && rootFileID != params.Get("fileId") {
		retry := url.Values{}
		for k, v := range params {
			retry[k] = v
		}
		retry.Set("fileId", rootFileID)
		retry.Set("shareDirFileId", rootFileID)
		payload, err = request("list_share_dir_retry_root", retry)
	}
	if err != nil {
		return nil, err
	}

	var rows []any
	if ao, ok := FindValue(payload.Tree, "fileListAO"); ok {
		if m, ok := ao.(map[string]any); ok {
			if l, ok := m["fileList"].([]any); ok {
				rows = l
			}
		}
	}
	if rows == nil {
		if v, ok := FindValue(payload.Tree, "fileList", "files", "rows", "list"); ok {
			if l, ok := v.([]any); ok {
				rows = l
			}
		}
	}

	var files []ResolvedFile
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		fileID := FindString(m, "id", "fileId")
		if fileID == "" {
			continue
		}
		name := FindString(m, "name", "fileName")
		if name == "" {
			name = "file-" + fileID
		}
		size, _ := strconv.ParseInt(FindString(m, "size", "fileSize"), 10, 64)
		fv := FindString(m, "isFolder")
		files = append(files, ResolvedFile{
			FileID:   fileID,
			Name:     name,
			Size:     max(size, 0),
			IsFolder: fv == "1" || strings.EqualFold(fv, "true"),
		})
	}

	// Single-file shares answer without a listing; synthesize one row from
	// the share-info payload.
	if len(files) == 0 && rootFileID != "" {
		name := FindString(infoTree, "name", "fileName")
		if name == "" {
			name = "single-file"
		}
		size, _ := strconv.ParseInt(FindString(infoTree, "size", "fileSize"), 10, 64)
		files = append(files, ResolvedFile{FileID: rootFileID, Name: name, Size: max(size, 0)})
	}

	return files, nil
}

// shareIDFromLandingPage fetches the public share page and scrapes a share
// identifier out of the HTML or the final redirect URL.
func (r *Resolver) shareIDFromLandingPage(ctx context.Context, ref ShareReference, cookie string) (string, error) {
	query := url.Values{}
	if ref.AccessCode != "" {
		query.Set("pwd", ref.AccessCode)
	}
	pageURL := r.pageURL("/t/"+ref.ShareCode, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Referer", r.pageURL("/", nil))

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("share page request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read share page: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("share page request failed status=%d", resp.StatusCode)
	}
	if id := extractShareID(string(body)); id != "" {
		return id, nil
	}
	if id := extractShareID(resp.Request.URL.String()); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("share page parse failed: no shareId found, body=%s", shortText(string(body), previewLimit))
}

// extractShareID scans text (HTML or a URL) for a share identifier.
func extractShareID(text string) string {
	for _, re := range shareIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if id := strings.TrimSpace(m[1]); id != "" {
				return id
			}
		}
	}
	return ""
}

// scriptFallback runs the external script resolver and records the attempt.
func (r *Resolver) scriptFallback(ctx context.Context, attempts *[]Attempt, step, shareURL, cookie, cause string) (*ResolvedShare, bool) {
	att := Attempt{
		Step:     step,
		Endpoint: r.scriptPath,
		Host:     "local_script_resolver",
		Method:   "EXEC",
		Profile:  "script_resolver",
	}
	if r.scriptPath == "" {
		att.Message = "script resolver not configured"
		*attempts = append(*attempts, att)
		return nil, false
	}
	resolved, err := r.runScript(ctx, shareURL, cookie, r.scriptPath)
	if err != nil {
		att.Message = shortText(err.Error(), previewLimit)
		*attempts = append(*attempts, att)
		r.logger.Warn("script resolver failed", "step", step, "error", err)
		return nil, false
	}
	att.OK = true
	att.ShareID = resolved.ShareID
	if cause != "" {
		att.Message = shortText("native chain failed: "+cause, previewLimit)
	}
	*attempts = append(*attempts, att)
	return resolved, true
}
