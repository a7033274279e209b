package outbox

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
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// Registry error codes for an unknown subject and for a schema not registered under a subject.
const (
	codeSubjectNotFound = 40401
	codeSchemaNotFound  = 40403
)

// RegistryError is the error document returned by Schema Registry.
type RegistryError struct {
	Status  int    `json:"-"`
	Code    int    `json:"error_code"`
	Message string `json:"message"`
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry: %d %s (status %d)", e.Code, e.Message, e.Status)
}

func (e *RegistryError) notRegistered() bool {
	return e.Status == http.StatusNotFound && (e.Code == codeSubjectNotFound || e.Code == codeSchemaNotFound || e.Code == 0)
}

// SchemaRegistryClient registers JSON schemas with a Confluent-compatible registry.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSchemaRegistryClient constructs a client with a ten second request timeout.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type schemaRequest struct {
	SchemaType string `json:"schemaType"`
	Schema     string `json:"schema"`
}

type schemaIDResponse struct {
	ID int `json:"id"`
}

// EnsureSchema returns the id of schema under subject, registering it when the registry has
// not seen it yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	req := schemaRequest{SchemaType: "JSON", Schema: schema}
	path := "/subjects/" + url.PathEscape(subject)

	var found schemaIDResponse
	err := c.post(ctx, path, req, &found)
	if err == nil {
		return found.ID, nil
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || !regErr.notRegistered() {
		return 0, err
	}

	var registered schemaIDResponse
	if err := c.post(ctx, path+"/versions", req, &registered); err != nil {
		return 0, fmt.Errorf("register %s: %w", subject, err)
	}
	return registered.ID, nil
}

func (c *SchemaRegistryClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", registryContentType)
	req.Header.Set("Accept", registryContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		regErr := &RegistryError{Status: resp.StatusCode}
		if json.Unmarshal(data, regErr) != nil || regErr.Message == "" {
			regErr.Message = strings.TrimSpace(string(data))
		}
		return regErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
