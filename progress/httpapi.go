package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/huddle-app/huddle/shared"
	"github.com/huddle-app/huddle/utils"
)

// HTTPStore talks to the account's progress endpoint. It is the
// ServerStore used in production; tests swap in fakes.
type HTTPStore struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	Client  *http.Client
}

func NewHTTPStore(baseURL string, token func(ctx context.Context) (string, error)) *HTTPStore {
	return &HTTPStore{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.NewHTTPClient(),
	}
}

func (h *HTTPStore) Fetch(ctx context.Context, key Key) (*Record, error) {
	var records []Record
	if err := h.get(ctx, keyQuery(&key), &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (h *HTTPStore) FetchAll(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := h.get(ctx, url.Values{}, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (h *HTTPStore) Push(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := h.request(ctx, http.MethodPost, url.Values{}, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusTooManyRequests {
		var hint struct {
			RetryAfterMs int64 `json:"retryAfterMs"`
		}
		if err := json.NewDecoder(res.Body).Decode(&hint); err != nil || hint.RetryAfterMs <= 0 {
			hint.RetryAfterMs = 60_000
		}
		return &RateLimitError{RetryAfter: time.Duration(hint.RetryAfterMs) * time.Millisecond}
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("progress push returned %d", res.StatusCode)
	}
	return nil
}

// Delete removes one record by key, or every record for the account
// when key is nil.
func (h *HTTPStore) Delete(ctx context.Context, key *Key) error {
	req, err := h.request(ctx, http.MethodDelete, keyQuery(key), nil)
	if err != nil {
		return err
	}
	res, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("progress delete returned %d", res.StatusCode)
	}
	return nil
}

func (h *HTTPStore) get(ctx context.Context, query url.Values, out any) error {
	req, err := h.request(ctx, http.MethodGet, query, nil)
	if err != nil {
		return err
	}
	res, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("progress fetch returned %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (h *HTTPStore) request(ctx context.Context, method string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := h.BaseURL + "/api/progress"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	tok, err := h.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func keyQuery(key *Key) url.Values {
	q := url.Values{}
	if key == nil {
		return q
	}
	q.Set("imdbId", key.ImdbID)
	q.Set("mediaType", key.MediaType)
	if key.MediaType == shared.MEDIA_TYPE_EPISODE {
		q.Set("season", strconv.Itoa(key.Season))
		q.Set("episode", strconv.Itoa(key.Episode))
	}
	return q
}
