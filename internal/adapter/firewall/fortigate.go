package firewall

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

	"github.com/sirupsen/logrus"

	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
	"github.com/hive-corporation/c2sync/internal/adapter/transport"
	"github.com/hive-corporation/c2sync/internal/core/domain"
)

// errEntryExists is the FortiOS CLI error code for a duplicate entry.
const errEntryExists = -5

// BaseURL is the CMDB firewall root of the appliance at host. A host given
// with a scheme (http://127.0.0.1:8443 for the simulator) keeps it.
func BaseURL(host string) string {
	host = strings.TrimRight(host, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host + "/api/v2/cmdb/firewall"
}

// APIError is a non-200 answer from the FortiOS REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fortigate %s %s: HTTP %d (error %d): %s", e.Method, e.Path, e.StatusCode, e.Code, e.Body)
}

// Unwrap maps FortiOS answers onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Code == errEntryExists:
		return domain.ErrAlreadyExists
	default:
		return nil
	}
}

type FortiGateClient struct {
	baseURL string
	token   string
	client  *transport.ResilientClient
	log     logrus.FieldLogger
}

func NewFortiGateClient(baseURL, token string, client *transport.ResilientClient, log logrus.FieldLogger) *FortiGateClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FortiGateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		log:     log,
	}
}

type envelope struct {
	Status     string          `json:"status"`
	HTTPStatus int             `json:"http_status"`
	Error      int             `json:"error"`
	Results    json.RawMessage `json:"results"`
}

type nameRef struct {
	Name string `json:"name"`
}

type addressPayload struct {
	Name   string `json:"name"`
	Subnet string `json:"subnet"`
}

type groupPayload struct {
	Name   string    `json:"name"`
	Member []nameRef `json:"member"`
}

type policyPayload struct {
	PolicyID int       `json:"policyid,omitempty"`
	DstAddr  []nameRef `json:"dstaddr"`
}

func (c *FortiGateClient) CreateAddress(ctx context.Context, obj domain.AddressObject) error {
	err := c.do(ctx, "create_address", http.MethodPost, "/address", addressPayload{Name: obj.Name, Subnet: obj.Subnet}, nil)
	if err != nil {
		return err
	}
	c.log.WithField("address", obj.Name).Debug("address object created")
	return nil
}

func (c *FortiGateClient) AddressExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "address_exists", "/address/"+url.PathEscape(name))
}

func (c *FortiGateClient) DeleteAddress(ctx context.Context, name string) error {
	return c.do(ctx, "delete_address", http.MethodDelete, "/address/"+url.PathEscape(name), nil, nil)
}

// ListGroups returns every address group with its member names.
func (c *FortiGateClient) ListGroups(ctx context.Context) ([]domain.AddressGroup, error) {
	var results []groupPayload
	if err := c.do(ctx, "list_groups", http.MethodGet, "/addrgrp", nil, &results); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	groups := make([]domain.AddressGroup, 0, len(results))
	for _, g := range results {
		group := domain.AddressGroup{Name: g.Name}
		for _, m := range g.Member {
			group.Members = append(group.Members, m.Name)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (c *FortiGateClient) GroupExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "group_exists", "/addrgrp/"+url.PathEscape(name))
}

// GroupMembers returns the member names of group name. A missing group is
// domain.ErrNotFound.
func (c *FortiGateClient) GroupMembers(ctx context.Context, name string) ([]string, error) {
	var results []groupPayload
	if err := c.do(ctx, "get_group", http.MethodGet, "/addrgrp/"+url.PathEscape(name), nil, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("group %s: %w", name, domain.ErrNotFound)
	}

	members := make([]string, 0, len(results[0].Member))
	for _, m := range results[0].Member {
		members = append(members, m.Name)
	}
	return members, nil
}

// SetGroupMembers replaces the whole member list of group name.
func (c *FortiGateClient) SetGroupMembers(ctx context.Context, name string, members []string) error {
	payload := groupPayload{Name: name, Member: refs(members)}
	if err := c.do(ctx, "update_group", http.MethodPut, "/addrgrp/"+url.PathEscape(name), payload, nil); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"group": name, "members": len(members)}).Info("address group members updated")
	return nil
}

func (c *FortiGateClient) CreateGroup(ctx context.Context, group domain.AddressGroup) error {
	payload := groupPayload{Name: group.Name, Member: refs(group.Members)}
	if err := c.do(ctx, "create_group", http.MethodPost, "/addrgrp", payload, nil); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"group": group.Name, "members": len(group.Members)}).Info("address group created")
	return nil
}

func (c *FortiGateClient) DeleteGroup(ctx context.Context, name string) error {
	return c.do(ctx, "delete_group", http.MethodDelete, "/addrgrp/"+url.PathEscape(name), nil, nil)
}

// PolicyDestinations returns the dstaddr names of policyID in order.
func (c *FortiGateClient) PolicyDestinations(ctx context.Context, policyID string) ([]string, error) {
	var results []policyPayload
	if err := c.do(ctx, "get_policy", http.MethodGet, "/policy/"+url.PathEscape(policyID), nil, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("policy %s: %w", policyID, domain.ErrNotFound)
	}

	names := make([]string, 0, len(results[0].DstAddr))
	for _, ref := range results[0].DstAddr {
		names = append(names, ref.Name)
	}
	return names, nil
}

// SetPolicyDestinations replaces the whole dstaddr list of policyID.
func (c *FortiGateClient) SetPolicyDestinations(ctx context.Context, policyID string, names []string) error {
	payload := policyPayload{DstAddr: refs(names)}
	return c.do(ctx, "update_policy", http.MethodPut, "/policy/"+url.PathEscape(policyID), payload, nil)
}

func (c *FortiGateClient) exists(ctx context.Context, op, path string) (bool, error) {
	err := c.do(ctx, op, http.MethodGet, path, nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// do sends one API call. out, when non-nil, receives the "results" field.
func (c *FortiGateClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordFirewallOperation(op, "error")
		return fmt.Errorf("fortigate %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordFirewallOperation(op, "error")
		return fmt.Errorf("failed to read fortigate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code = env.Error
		}

		switch {
		case errors.Is(apiErr, domain.ErrNotFound):
			metrics.RecordFirewallOperation(op, "not_found")
		case errors.Is(apiErr, domain.ErrAlreadyExists):
			metrics.RecordFirewallOperation(op, "exists")
		default:
			metrics.RecordFirewallOperation(op, "error")
		}
		return apiErr
	}

	metrics.RecordFirewallOperation(op, "ok")

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode fortigate response: %w", err)
	}
	if len(env.Results) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Results, out); err != nil {
		return fmt.Errorf("failed to decode fortigate results: %w", err)
	}
	return nil
}

func refs(names []string) []nameRef {
	out := make([]nameRef, 0, len(names))
	for _, n := range names {
		out = append(out, nameRef{Name: n})
	}
	return out
}
