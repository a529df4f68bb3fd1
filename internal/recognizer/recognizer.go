// Package recognizer adapts an external text-detection HTTP service into a
// plate reader. The service accepts raw JPEG bytes and returns detections
// with a type, a 0-100 confidence and the detected text.
package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/parking"
)

// Only full text lines above this confidence are considered plate candidates.
const (
	lineType            = "LINE"
	confidenceThreshold = 70.0
)

type TextRecognizer struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewTextRecognizer(endpoint string, timeout time.Duration, log zerolog.Logger) *TextRecognizer {
	return &TextRecognizer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Detections []parking.Detection `json:"detections"`
}

// DetectText sends the image to the recognition service and returns all raw
// detections. Callers decide how to degrade on error.
func (r *TextRecognizer) DetectText(ctx context.Context, image []byte) ([]parking.Detection, error) {
	payload, err := json.Marshal(detectRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call text recognition service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("text recognition service returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}

	r.log.Debug().Int("detections", len(decoded.Detections)).Msg("text recognition completed")
	return decoded.Detections, nil
}

// DerivePlate picks the first full text line with confidence strictly above
// the threshold, or the UNKNOWN sentinel when nothing qualifies.
func DerivePlate(detections []parking.Detection) string {
	for _, d := range detections {
		if d.Type == lineType && d.Confidence > confidenceThreshold {
			return d.Text
		}
	}
	return parking.PlateUnknown
}
