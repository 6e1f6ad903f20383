package netdisk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deckcloud/deckcloud/internal/safety"
)

const apiHost = "api.cloud.189.cn"

const maxTokenRedirects = 12

func (r *Resolver) apiURL(path string, query url.Values) string {
	base := "https://" + apiHost + path
	if r.baseURL != "" {
		base = r.baseURL + path
	}
	if len(query) > 0 {
		base += "?" + query.Encode()
	}
	return base
}

func (r *Resolver) plainHeaders(req *http.Request, cookie string) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json, text/plain, */*")
}

// FetchAccessToken chases the SSO redirect chain until an accessToken query
// parameter shows up. The token is short-lived; callers fetch it once per
// commit, not per file.
func (r *Resolver) FetchAccessToken(ctx context.Context, cookie string) (string, error) {
	client := *r.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	current := r.apiURL("/open/oauth2/ssoH5.action", nil)
	for i := 0; i < maxTokenRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		r.plainHeaders(req, cookie)

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("sso request failed: %w", err)
		}
		resp.Body.Close()

		if token := accessTokenFromURL(current); token != "" {
			return token, nil
		}
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := strings.TrimSpace(resp.Header.Get("Location"))
			if location == "" {
				return "", fmt.Errorf("sso redirect is missing a Location header")
			}
			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return "", fmt.Errorf("sso redirect target invalid: %w", err)
			}
			current = next.String()
			if token := accessTokenFromURL(current); token != "" {
				return token, nil
			}
		default:
			return "", fmt.Errorf("access token not found, log in again and retry")
		}
	}
	return "", fmt.Errorf("access token not found after %d redirects", maxTokenRedirects)
}

func accessTokenFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("accessToken"))
}

// signDownloadRequest builds the fixed-order parameter string and its md5
// signature. The field order is part of the remote contract:
// AccessToken, Timestamp, dt, fileId, shareId.
func signDownloadRequest(accessToken, timestamp, fileID, shareID string) string {
	source := "AccessToken=" + accessToken +
		"&Timestamp=" + timestamp +
		"&dt=1&fileId=" + fileID +
		"&shareId=" + shareID
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// FetchDownloadURL resolves the signed direct download link for one file in
// a share.
func (r *Resolver) FetchDownloadURL(ctx context.Context, cookie, accessToken, shareID, fileID string) (string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := signDownloadRequest(accessToken, timestamp, fileID, shareID)

	endpoint := r.apiURL("/open/file/getFileDownloadUrl.action", url.Values{
		"fileId":  {fileID},
		"dt":      {"1"},
		"shareId": {shareID},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	r.plainHeaders(req, cookie)
	req.Header.Set("Accesstoken", accessToken)
	req.Header.Set("Signature", signature)
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("Sign-Type", "1")
	req.Header.Set("Accept", "application/json;charset=UTF-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("direct link request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxBodyBytes)
	if err != nil {
		return "", fmt.Errorf("read direct link response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("direct link request failed status=%d body=%s", resp.StatusCode, shortText(string(body), previewLimit))
	}

	payload := Normalize(string(body))
	direct := FindString(payload.Tree, "fileDownloadUrl", "downloadUrl", "url")
	if direct == "" {
		// Some deployments nest the link under a data node.
		if data, ok := payload.Tree["data"].(map[string]any); ok {
			direct = FindString(data, "fileDownloadUrl", "downloadUrl", "url")
		}
	}
	if direct == "" {
		return "", fmt.Errorf("no usable direct link in response, check login state or share permissions")
	}
	return direct, nil
}

// VerifyAccount checks the login cookie and returns the account name, or an
// empty string when the session is invalid.
func (r *Resolver) VerifyAccount(ctx context.Context, cookie string) (string, error) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return "", nil
	}

	noCache := strconv.FormatInt(time.Now().UnixMilli(), 10)
	base := "https://" + ShareHost
	if r.baseURL != "" {
		base = r.baseURL
	}
	endpoint := base + "/api/portal/v2/getUserBriefInfo.action?noCache=" + noCache

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	r.plainHeaders(req, cookie)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("account check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxBodyBytes)
	if err != nil {
		return "", fmt.Errorf("read account response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("account check failed status=%d", resp.StatusCode)
	}

	payload := Normalize(string(body))
	if !IsSuccess(payload) {
		return "", nil
	}
	return FindString(payload.Tree, "userAccount", "name", "nickName"), nil
}
