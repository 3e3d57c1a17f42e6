package tracker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

const (
	defaultRequestsPerSecond = 1.0
	defaultBurst             = 5
)

// Config configures the GitHub-backed tracker client.
type Config struct {
	// Owner and Repo identify the repository holding tracked items.
	Owner string
	Repo  string

	// Token authenticates API calls.
	Token config.Secret

	// RequestsPerSecond rate-limits outbound calls. Default: 1.
	RequestsPerSecond float64
}

type githubClient struct {
	gh      *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewGitHub creates a tracker client backed by the GitHub issues API.
func NewGitHub(ctx context.Context, cfg *Config, logger *logging.Logger) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("tracker token not set")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &githubClient{
		gh:      github.NewClient(tc),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		limiter: rate.NewLimiter(rate.Limit(rps), defaultBurst),
		logger:  logger,
	}, nil
}

// newWithClient wires a prebuilt API client, for tests.
func newWithClient(gh *github.Client, owner, repo string, logger *logging.Logger) Client {
	return &githubClient{
		gh:      gh,
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger,
	}
}

func (c *githubClient) Get(ctx context.Context, number int) (*Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	issue, resp, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: #%d", ErrItemNotFound, number)
		}
		return nil, fmt.Errorf("failed to fetch item #%d: %w", number, err)
	}
	return fromIssue(issue), nil
}

func (c *githubClient) Create(ctx context.Context, req *ItemRequest) (*Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Title == nil {
		return nil, fmt.Errorf("title is required")
	}

	issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	c.logger.Info(ctx, "created tracked item",
		zap.Int("number", issue.GetNumber()),
		zap.String("title", issue.GetTitle()),
	)
	return fromIssue(issue), nil
}

func (c *githubClient) Update(ctx context.Context, number int, req *ItemRequest) (*Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	issue, resp, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &github.IssueRequest{
		Title:  req.Title,
		Body:   req.Body,
		State:  req.State,
		Labels: req.Labels,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: #%d", ErrItemNotFound, number)
		}
		return nil, fmt.Errorf("failed to update item #%d: %w", number, err)
	}
	return fromIssue(issue), nil
}

func (c *githubClient) Comment(ctx context.Context, number int, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: #%d", ErrItemNotFound, number)
		}
		return fmt.Errorf("failed to comment on item #%d: %w", number, err)
	}
	return nil
}

func (c *githubClient) Close(ctx context.Context, number int) error {
	state := "closed"
	_, err := c.Update(ctx, number, &ItemRequest{State: &state})
	return err
}

func fromIssue(issue *github.Issue) *Item {
	item := &Item{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		URL:       issue.GetHTMLURL(),
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
	for _, l := range issue.Labels {
		item.Labels = append(item.Labels, l.GetName())
	}
	return item
}
