package connector

import (
	"context"
	"io"
	"net/http"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Materializer downloads the bytes a FileEntity references and attaches
// them before the entity reaches the router, per §4.2: "the framework, not
// the connector, is responsible for materializing content."
type Materializer struct {
	Client *http.Client
}

func NewMaterializer(client *http.Client) *Materializer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Materializer{Client: client}
}

func (m *Materializer) Materialize(ctx context.Context, e *models.Entity) error {
	if e.Kind != models.KindFile && e.Kind != models.KindCodeFile {
		return nil
	}
	if e.DownloadURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.DownloadURL, nil)
	if err != nil {
		return airerr.Wrap(airerr.ValidationFailure, "invalid download url", err)
	}
	for k, v := range e.DownloadHeaders {
		req.Header.Set(k, v)
	}

	resp, err := m.Client.Do(req)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "file download failed", err)
	}
	defer resp.Body.Close()

	if err := ClassifyHTTPStatus(resp.StatusCode, 0); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "file download read failed", err)
	}

	e.SetContent(body)
	if e.MimeType == "" {
		e.MimeType = http.DetectContentType(body)
	}
	return nil
}
