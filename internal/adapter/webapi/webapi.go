// Package webapi provides the generic web API source: a paged JSON
// listing client that any SaaS exposing group/record/permission list
// endpoints can be synced through without a vendor-specific wrapper.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/source"
	"github.com/lattice-hq/lattice/internal/registry"
)

// SourceType is the name connectors use to select this source.
const SourceType = "webapi"

// Default listing paths; {group} and {record} expand to external IDs.
const (
	defaultGroupsPath      = "/groups"
	defaultRecordsPath     = "/groups/{group}/records"
	defaultPermissionsPath = "/records/{record}/permissions"
)

// Source lists groups, records and permissions from a JSON HTTP API.
// Paging uses page_token/limit query parameters and a next_token field
// in responses. The token function supplies a bearer token per request,
// so OAuth refresh happens transparently mid-sync.
type Source struct {
	baseURL         string
	groupsPath      string
	recordsPath     string
	permissionsPath string
	token           func(ctx context.Context) (string, error)
	httpClient      *http.Client
}

// New builds a Source from connector config. The only required key is
// base_url; the listing paths have defaults.
func New(config map[string]string, token func(ctx context.Context) (string, error)) (*Source, error) {
	base := strings.TrimRight(config["base_url"], "/")
	if base == "" {
		return nil, fmt.Errorf("webapi source: base_url is required")
	}
	return &Source{
		baseURL:         base,
		groupsPath:      pathOr(config, "groups_path", defaultGroupsPath),
		recordsPath:     pathOr(config, "records_path", defaultRecordsPath),
		permissionsPath: pathOr(config, "permissions_path", defaultPermissionsPath),
		token:           token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Register adds the webapi factory to a source registry.
func Register(reg *registry.Registry[source.Factory]) error {
	return reg.Register(SourceType, func(config map[string]string, token func(ctx context.Context) (string, error)) (source.Source, error) {
		return New(config, token)
	})
}

// Name implements source.Source.
func (s *Source) Name() string { return SourceType }

// Wire shapes for the listing responses.
type wireGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type wireRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	MimeType string `json:"mime_type"`
	Revision string `json:"revision"`
}

type wirePermission struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
}

type listResponse struct {
	Groups      []wireGroup      `json:"groups"`
	Records     []wireRecord     `json:"records"`
	Permissions []wirePermission `json:"permissions"`
	NextToken   string           `json:"next_token"`
}

// ListGroups implements source.Source.
func (s *Source) ListGroups(ctx context.Context, pageToken string, limit int) (*source.GroupPage, error) {
	resp, err := s.list(ctx, s.groupsPath, pageToken, limit)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	page := &source.GroupPage{NextToken: resp.NextToken}
	for _, g := range resp.Groups {
		page.Groups = append(page.Groups, record.Group{
			ExternalID:  g.ID,
			Name:        g.Name,
			Description: g.Description,
		})
	}
	return page, nil
}

// ListRecords implements source.Source.
func (s *Source) ListRecords(ctx context.Context, groupExternalID, pageToken string, limit int) (*source.RecordPage, error) {
	path := strings.ReplaceAll(s.recordsPath, "{group}", url.PathEscape(groupExternalID))
	resp, err := s.list(ctx, path, pageToken, limit)
	if err != nil {
		return nil, fmt.Errorf("list records in %s: %w", groupExternalID, err)
	}

	page := &source.RecordPage{NextToken: resp.NextToken}
	for _, r := range resp.Records {
		page.Records = append(page.Records, record.Record{
			ExternalID: r.ID,
			Title:      r.Title,
			Content:    r.Content,
			MimeType:   r.MimeType,
			Revision:   r.Revision,
		})
	}
	return page, nil
}

// ListPermissions implements source.Source.
func (s *Source) ListPermissions(ctx context.Context, recordExternalID, pageToken string, limit int) (*source.PermissionPage, error) {
	path := strings.ReplaceAll(s.permissionsPath, "{record}", url.PathEscape(recordExternalID))
	resp, err := s.list(ctx, path, pageToken, limit)
	if err != nil {
		return nil, fmt.Errorf("list permissions of %s: %w", recordExternalID, err)
	}

	page := &source.PermissionPage{NextToken: resp.NextToken}
	for _, p := range resp.Permissions {
		page.Permissions = append(page.Permissions, record.Permission{
			Subject: p.Subject,
			Kind:    permissionKind(p.Kind),
		})
	}
	return page, nil
}

// list performs one paged GET and decodes the shared response shape.
func (s *Source) list(ctx context.Context, path, pageToken string, limit int) (*listResponse, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	reqURL := s.baseURL + path
	if enc := q.Encode(); enc != "" {
		reqURL += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	tok, err := s.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, truncateBody(body))
	}

	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func pathOr(config map[string]string, key, fallback string) string {
	if v := config[key]; v != "" {
		return v
	}
	return fallback
}

// permissionKind maps loose API access strings onto the domain kinds,
// defaulting unknown values to read.
func permissionKind(s string) record.PermissionKind {
	switch strings.ToLower(s) {
	case "write", "edit", "editor":
		return record.PermissionWrite
	case "owner", "admin":
		return record.PermissionOwner
	default:
		return record.PermissionRead
	}
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
