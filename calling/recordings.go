/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import (
	"context"
	"fmt"
	"io"

	"github.com/herbanova/softphone-go/phonesdk"
)

// DownloadRecording fetches the audio content of a recorded call by recording
// identifier. The recording must be present in the accumulated history; its
// content URI is absolute and bearer-authenticated.
func (h *History) DownloadRecording(ctx context.Context, recordingID string) ([]byte, error) {
	if recordingID == "" {
		return nil, fmt.Errorf("recording ID is required")
	}

	var contentURI string
	h.mu.Lock()
	for _, rec := range h.records {
		if rec.Recording != nil && rec.Recording.ID == recordingID {
			contentURI = rec.Recording.ContentURI
			break
		}
	}
	h.mu.Unlock()

	if contentURI == "" {
		return nil, fmt.Errorf("no recording %q in call history", recordingID)
	}

	resp, err := h.core.RequestURL(ctx, "GET", contentURI)
	if err != nil {
		return nil, fmt.Errorf("error fetching recording content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, phonesdk.NewAPIError(resp, body)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading recording content: %w", err)
	}
	return content, nil
}
