package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
)

// Client talks to the analysis engine backend over HTTP. The backend
// streams run progress as newline-delimited JSON snapshots; the terminal
// line carries the authoritative cumulative cost.
type Client struct {
	cfg  am.EngineConfig
	http *http.Client
	log  *zap.SugaredLogger
}

// NewClient creates an engine client for the configured backend.
func NewClient(cfg am.EngineConfig, log *zap.SugaredLogger) *Client {
	return &Client{
		cfg: cfg,
		// No overall timeout: a deep run legitimately takes many minutes.
		// Cancellation comes from the request context.
		http: &http.Client{},
		log:  log,
	}
}

// InitialState builds the engine state for one identifier and run day.
func (c *Client) InitialState(identifier string, day time.Time) (State, error) {
	if identifier == "" {
		return nil, errors.Wrap(errors.ErrBadRequest, "empty analysis identifier")
	}
	state := State{
		"company_of_interest": identifier,
		"trade_date":          day.Format("2006-01-02"),
	}
	if c.cfg.DeepThinkModel != "" {
		state["deep_think_model"] = c.cfg.DeepThinkModel
	}
	if c.cfg.QuickThinkModel != "" {
		state["quick_think_model"] = c.cfg.QuickThinkModel
	}
	return state, nil
}

type streamRequest struct {
	State    State    `json:"state"`
	Stages   []string `json:"stages"`
	Depth    int      `json:"depth"`
	Provider string   `json:"provider"`
	Backend  string   `json:"backend_url,omitempty"`
}

// Stream starts a run and decodes the snapshot stream. The returned channel
// closes when the backend finishes or the context is canceled.
func (c *Client) Stream(ctx context.Context, state State, args Args) (<-chan Snapshot, error) {
	stages := make([]string, len(args.Stages))
	for i, stage := range args.Stages {
		stages[i] = string(stage)
	}
	body, err := json.Marshal(streamRequest{
		State:    state,
		Stages:   stages,
		Depth:    args.Depth,
		Provider: string(args.Provider),
		Backend:  c.cfg.BackendURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal stream request")
	}

	url := c.endpoint("/v1/analyses/stream")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "start engine stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errors.Newf("engine stream rejected: %s: %s",
			resp.Status, readErrorBody(resp.Body))
	}

	out := make(chan Snapshot)
	go c.decode(resp.Body, out)
	return out, nil
}

// decode reads snapshots off the response body until EOF. Malformed lines
// are logged and skipped rather than aborting the run; the terminal
// snapshot is what settlement depends on, and the backend sends it last.
func (c *Client) decode(body io.ReadCloser, out chan<- Snapshot) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			c.log.Warnw("Skipping malformed snapshot line", "error", err)
			continue
		}
		out <- snap
	}
	if err := scanner.Err(); err != nil {
		c.log.Warnw("Engine stream read ended with error", "error", err)
	}
}

type decisionRequest struct {
	FinalSection string `json:"final_section"`
	Identifier   string `json:"identifier"`
}

type decisionResponse struct {
	Decision string `json:"decision"`
}

// ProcessDecision condenses the final decision section into the short
// verdict mailed to the requester.
func (c *Client) ProcessDecision(ctx context.Context, finalSection, identifier string) (string, error) {
	body, err := json.Marshal(decisionRequest{
		FinalSection: finalSection,
		Identifier:   identifier,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal decision request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/decisions"), bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build decision request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "process decision")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("decision processing rejected: %s: %s",
			resp.Status, readErrorBody(resp.Body))
	}

	var decoded decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "decode decision response")
	}
	return decoded.Decision, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BackendURL, "/") + path
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return "unreadable response body"
	}
	return strings.TrimSpace(string(b))
}
