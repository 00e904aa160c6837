package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the control plane has no such object.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from a remote service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// PanelClient calls the game panel application API
type PanelClient struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewPanelClient creates a panel client. Every call is bounded by callTimeout.
func NewPanelClient(baseURL, apiKey string, callTimeout time.Duration, logger *zap.Logger) *PanelClient {
	return &PanelClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		callTimeout: callTimeout,
		httpClient:  &http.Client{},
		logger:      logger.Named("panel"),
	}
}

// TemplateVariable is one configurable environment variable of a template
type TemplateVariable struct {
	Name         string `json:"name"`
	EnvVariable  string `json:"env_variable"`
	DefaultValue string `json:"default_value"`
	Rules        string `json:"rules"`
}

// Template is the server blueprint a plan points at
type Template struct {
	ID          int                `json:"id"`
	Name        string             `json:"name"`
	DockerImage string             `json:"docker_image"`
	Startup     string             `json:"startup"`
	Variables   []TemplateVariable `json:"-"`
}

// Allocation is an ip:port slot on a node
type Allocation struct {
	ID       int    `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Assigned bool   `json:"assigned"`
}

// ServerLimits sizes a server
type ServerLimits struct {
	Memory int `json:"memory"`
	Swap   int `json:"swap"`
	Disk   int `json:"disk"`
	IO     int `json:"io"`
	CPU    int `json:"cpu"`
}

type FeatureLimits struct {
	Databases   int `json:"databases"`
	Backups     int `json:"backups"`
	Allocations int `json:"allocations"`
}

// CreateServerRequest is the body of a server creation
type CreateServerRequest struct {
	ExternalID    string            `json:"external_id"`
	Name          string            `json:"name"`
	User          int               `json:"user"`
	Egg           int               `json:"egg"`
	DockerImage   string            `json:"docker_image"`
	Startup       string            `json:"startup"`
	Environment   map[string]string `json:"environment"`
	Limits        ServerLimits      `json:"limits"`
	FeatureLimits FeatureLimits     `json:"feature_limits"`
	Allocation    struct {
		Default int `json:"default"`
	} `json:"allocation"`
}

// Server is a created game server
type Server struct {
	ID         int    `json:"id"`
	ExternalID string `json:"external_id"`
	Identifier string `json:"identifier"`
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
}

type panelUser struct {
	ID         int    `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

type item[T any] struct {
	Attributes T `json:"attributes"`
}

type list[T any] struct {
	Data []item[T] `json:"data"`
}

// GetTemplate loads a template with its variables
func (c *PanelClient) GetTemplate(ctx context.Context, templateID string) (*Template, error) {
	var resp struct {
		Attributes struct {
			Template
			Relationships struct {
				Variables list[TemplateVariable] `json:"variables"`
			} `json:"relationships"`
		} `json:"attributes"`
	}
	path := "/api/application/eggs/" + url.PathEscape(templateID) + "?include=variables"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get template %s: %w", templateID, err)
	}

	tpl := resp.Attributes.Template
	for _, v := range resp.Attributes.Relationships.Variables.Data {
		tpl.Variables = append(tpl.Variables, v.Attributes)
	}
	return &tpl, nil
}

// ResolveOrCreateAccount returns the panel user id for a platform user,
// creating the account on first use.
func (c *PanelClient) ResolveOrCreateAccount(ctx context.Context, userID, email string) (int, error) {
	var existing item[panelUser]
	err := c.do(ctx, http.MethodGet, "/api/application/users/external/"+url.PathEscape(userID), nil, &existing)
	if err == nil {
		return existing.Attributes.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("lookup account: %w", err)
	}

	username := "u" + strings.ReplaceAll(userID, "-", "")
	if len(username) > 32 {
		username = username[:32]
	}
	body := map[string]string{
		"external_id": userID,
		"email":       email,
		"username":    username,
		"first_name":  "Game",
		"last_name":   "Customer",
	}
	var created item[panelUser]
	if err := c.do(ctx, http.MethodPost, "/api/application/users", body, &created); err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	c.logger.Info("created panel account", zap.String("user_id", userID), zap.Int("panel_user_id", created.Attributes.ID))
	return created.Attributes.ID, nil
}

// ListFreeAllocations returns unassigned allocations of a node
func (c *PanelClient) ListFreeAllocations(ctx context.Context, nodeID string) ([]Allocation, error) {
	var resp list[Allocation]
	path := "/api/application/nodes/" + url.PathEscape(nodeID) + "/allocations?per_page=100"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list allocations of node %s: %w", nodeID, err)
	}

	var free []Allocation
	for _, a := range resp.Data {
		if !a.Attributes.Assigned {
			free = append(free, a.Attributes)
		}
	}
	return free, nil
}

// CreateServer creates a server. Conflicts on the chosen allocation come
// back as *APIError with status 422.
func (c *PanelClient) CreateServer(ctx context.Context, req *CreateServerRequest) (*Server, error) {
	var resp item[Server]
	if err := c.do(ctx, http.MethodPost, "/api/application/servers", req, &resp); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	c.logger.Info("server created",
		zap.String("external_id", req.ExternalID),
		zap.Int("server_id", resp.Attributes.ID),
		zap.String("identifier", resp.Attributes.Identifier))
	return &resp.Attributes, nil
}

// GetServer returns ErrNotFound when the server no longer exists
func (c *PanelClient) GetServer(ctx context.Context, serverID string) (*Server, error) {
	var resp item[Server]
	if err := c.do(ctx, http.MethodGet, "/api/application/servers/"+url.PathEscape(serverID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get server %s: %w", serverID, err)
	}
	return &resp.Attributes, nil
}

// FindServerByExternalID returns ErrNotFound when no server carries the id
func (c *PanelClient) FindServerByExternalID(ctx context.Context, externalID string) (*Server, error) {
	var resp item[Server]
	path := "/api/application/servers/external/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("find server by external id %s: %w", externalID, err)
	}
	return &resp.Attributes, nil
}

func (c *PanelClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}
	return nil
}
