package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"costgate/pkg/platform"
)

// HTTPSignaler delivers decision callbacks over HTTP PUT.
type HTTPSignaler struct {
	client *platform.HTTPClient
	logger *slog.Logger
}

func NewHTTPSignaler(logger *slog.Logger) *HTTPSignaler {
	return &HTTPSignaler{
		client: platform.NewHTTPClient(2, 10*time.Second),
		logger: logger,
	}
}

func (s *HTTPSignaler) Signal(ctx context.Context, url string, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	resp, err := s.client.PutJSON(ctx, url, body)
	if err != nil {
		return fmt.Errorf("signal wait handle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal wait handle: unexpected status %d", resp.StatusCode)
	}
	s.logger.Info("signaled wait handle", "request_id", res.UniqueID, "status", res.Status, "reason", res.Reason)
	return nil
}

var _ Signaler = (*HTTPSignaler)(nil)
