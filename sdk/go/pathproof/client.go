// Package pathproof is a Go client for the PathProof REST API. It signs
// validation instructions locally with the caller's key, so keys never leave
// the calling process.
package pathproof

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"PathProof-Chain/internal/instruction"
)

// DefaultHTTPTimeout applies to clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a pathproofd server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Instruction is what a payer signs: the claimed proof, the path and a
// nonce that makes otherwise identical instructions distinct.
type Instruction struct {
	Proof common.Hash
	Path  []byte
	Nonce uint64
}

// ValidationResult mirrors the server's verdict payload.
type ValidationResult struct {
	Verdict     string         `json:"verdict"`
	Valid       bool           `json:"valid"`
	Code        string         `json:"code,omitempty"`
	ProgramCode uint32         `json:"program_code,omitempty"`
	Payer       common.Address `json:"payer"`
	Reference   string         `json:"reference"`
	Fee         uint64         `json:"fee"`
	FeeCharged  bool           `json:"fee_charged"`
	Digest      *common.Hash   `json:"digest,omitempty"`
	MaxSpeed    uint8          `json:"max_speed"`
}

// JobResult is the verdict recorded on a completed job.
type JobResult struct {
	Verdict     string       `json:"verdict"`
	ProgramCode uint32       `json:"program_code,omitempty"`
	Digest      *common.Hash `json:"digest,omitempty"`
	MaxSpeed    uint8        `json:"max_speed"`
	FeeCharged  bool         `json:"fee_charged"`
}

// Job is an asynchronous validation.
type Job struct {
	ID         string         `json:"id"`
	Payer      common.Address `json:"payer"`
	Reference  string         `json:"reference"`
	Proof      common.Hash    `json:"proof"`
	Path       hexutil.Bytes  `json:"path"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	Result     *JobResult     `json:"result,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Finished reports whether the job reached completed or failed.
func (j Job) Finished() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// JobStats summarises jobs matching a list query.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobList is one page of jobs.
type JobList struct {
	Jobs  []Job    `json:"jobs"`
	Stats JobStats `json:"stats"`
}

// ListJobsOptions filters ListJobs. Zero values are omitted.
type ListJobsOptions struct {
	Statuses  []string
	Payer     *common.Address
	Limit     int
	Offset    int
	Ascending bool
}

// Transfer is one recorded fee transfer.
type Transfer struct {
	Reference string         `json:"reference"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	Memo      string         `json:"memo,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Account is a balance plus recent transfers.
type Account struct {
	Address   common.Address `json:"address"`
	Balance   uint64         `json:"balance"`
	Transfers []Transfer     `json:"transfers"`
}

// APIError is a non-2xx response other than a failed verdict.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pathproof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pathproof api error (%d): %s", e.StatusCode, e.Message)
}

// IsPaymentRequired reports whether err is a rejected fee payment.
func IsPaymentRequired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusPaymentRequired
}

// NewClient creates a client for the server at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Sign builds the signed envelope for in without contacting the server.
func Sign(in Instruction, key *ecdsa.PrivateKey) (instruction.Envelope, error) {
	if key == nil {
		return instruction.Envelope{}, errors.New("pathproof: signing key is required")
	}
	return instruction.Sign(instruction.ValidateArgs{Proof: in.Proof, Path: in.Path, Nonce: in.Nonce}, key)
}

// Validate signs in and validates it synchronously. A failed verdict is not
// an error: the fee was charged and the result says why the path failed.
func (c *Client) Validate(ctx context.Context, key *ecdsa.PrivateKey, in Instruction) (ValidationResult, error) {
	env, err := Sign(in, key)
	if err != nil {
		return ValidationResult{}, err
	}
	var result ValidationResult
	if err := c.post(ctx, "/api/v1/validations", env, &result, http.StatusUnprocessableEntity); err != nil {
		return ValidationResult{}, err
	}
	return result, nil
}

// SubmitJob signs in and queues it. A non-empty id makes the submission
// idempotent.
func (c *Client) SubmitJob(ctx context.Context, id string, key *ecdsa.PrivateKey, in Instruction) (Job, error) {
	env, err := Sign(in, key)
	if err != nil {
		return Job{}, err
	}
	body := struct {
		ID string `json:"id,omitempty"`
		instruction.Envelope
	}{ID: id, Envelope: env}

	var job Job
	if err := c.post(ctx, "/api/v1/jobs", body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs returns one page of jobs with matching stats.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) (JobList, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Payer != nil {
		q.Set("payer", opts.Payer.Hex())
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Ascending {
		q.Set("order", "asc")
	}
	var list JobList
	if err := c.get(ctx, "/api/v1/jobs", q, &list); err != nil {
		return JobList{}, err
	}
	return list, nil
}

// WaitForJob polls until the job finishes or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Account returns the balance and up to limit recent transfers of address.
func (c *Client) Account(ctx context.Context, address common.Address, limit int) (Account, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var account Account
	if err := c.get(ctx, "/api/v1/accounts/"+address.Hex(), q, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any, accept ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, accept...)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do decodes a 2xx response, or a status listed in accept, into out.
func (c *Client) do(req *http.Request, out any, accept ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 400
	for _, status := range accept {
		if resp.StatusCode == status {
			ok = true
		}
	}
	if !ok {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
