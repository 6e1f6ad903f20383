package netdisk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const scriptTimeout = 28 * time.Second

// scriptResult is the JSON envelope the external resolver prints on stdout.
type scriptResult struct {
	OK          bool            `json:"ok"`
	Error       string          `json:"error"`
	Diagnostics json.RawMessage `json:"diagnostics"`
	Data        *scriptShare    `json:"data"`
}

type scriptShare struct {
	ShareCode string `json:"share_code"`
	ShareID   string `json:"share_id"`
	Pwd       string `json:"pwd"`
	Files     []struct {
		FileID   string `json:"file_id"`
		Name     string `json:"name"`
		Size     any    `json:"size"`
		IsFolder bool   `json:"is_folder"`
	} `json:"files"`
}

// runScriptResolver invokes the sandboxed script resolver with the raw share
// URL and credential on stdin and trusts its structured JSON result.
func runScriptResolver(ctx context.Context, shareURL, cookie, scriptPath string) (*ResolvedShare, error) {
	input, err := json.Marshal(map[string]string{
		"share_url": strings.TrimSpace(shareURL),
		"cookie":    strings.TrimSpace(cookie),
	})
	if err != nil {
		return nil, fmt.Errorf("encode script input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "node", scriptPath)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("script resolver timed out")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("script resolver failed: %s", shortText(msg, previewLimit))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, fmt.Errorf("script resolver produced no output")
	}

	var result scriptResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return nil, fmt.Errorf("script resolver output is not JSON: %w; out=%s", err, shortText(out, previewLimit))
	}
	if !result.OK {
		msg := strings.TrimSpace(result.Error)
		if msg == "" {
			msg = "script resolution failed"
		}
		return nil, fmt.Errorf("%s", msg)
	}
	if result.Data == nil {
		return nil, fmt.Errorf("script resolver result has no data")
	}
	return resolvedShareFromScript(result.Data)
}

func resolvedShareFromScript(data *scriptShare) (*ResolvedShare, error) {
	shareCode := strings.TrimSpace(data.ShareCode)
	shareID := strings.TrimSpace(data.ShareID)
	if shareCode == "" || shareID == "" {
		return nil, fmt.Errorf("script resolver result is missing share_code/share_id")
	}

	resolved := &ResolvedShare{
		ShareCode:  shareCode,
		ShareID:    shareID,
		AccessCode: strings.TrimSpace(data.Pwd),
	}
	for _, f := range data.Files {
		fileID := strings.TrimSpace(f.FileID)
		if fileID == "" {
			continue
		}
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "file-" + fileID
		}
		var size int64
		switch v := f.Size.(type) {
		case float64:
			size = int64(v)
		case string:
			size, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
		resolved.Files = append(resolved.Files, ResolvedFile{
			FileID:   fileID,
			Name:     name,
			Size:     max(size, 0),
			IsFolder: f.IsFolder,
		})
	}
	return resolved, nil
}
