package history

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

	"github.com/rs/zerolog"

	"github.com/harborline/opchat/model"
)

const defaultRequestTimeout = 10 * time.Second

var ErrRequest = errors.New("history request failed")

type Config struct {
	Logger  *zerolog.Logger
	BaseURL string
	Timeout time.Duration
}

// Client fetches the paginated message history of a room over REST.
type Client struct {
	logger zerolog.Logger
	http   *http.Client
	base   string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		logger: cfg.Logger.With().Str("component", "history-client").Logger(),
		http:   &http.Client{Timeout: timeout},
		base:   strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (c *Client) Fetch(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	addr := fmt.Sprintf("%s/api/rooms/%s/messages?limit=%d&offset=%d",
		c.base, url.PathEscape(roomID), limit, offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRequest, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}

	msgs, err := decodeMessages(body)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	c.logger.Debug().Str("roomID", roomID).Int("count", len(msgs)).Msg("history fetched")
	return msgs, nil
}

// decodeMessages accepts both a bare array and a {"data":[...]} envelope.
func decodeMessages(body []byte) ([]model.Message, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []model.Message
		err := json.Unmarshal(trimmed, &msgs)
		return msgs, err
	}
	var env struct {
		Data []model.Message `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}
